package models_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"bitbucket.org/fixmatehq/dispatch_backend/matching"
	"bitbucket.org/fixmatehq/dispatch_backend/models"
	"bitbucket.org/fixmatehq/dispatch_backend/utils"
	"github.com/google/uuid"
)

// Regression: the whole happy path, with the acceptance race run for real.
// Five helpers race for one request; exactly one may win, the escrow must
// settle exactly once, and the ledger must replay to the wallet balances.
func TestDispatchAndSettlement_EndToEnd(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	setupIntegrationEnv(t)
	ctx := context.Background()
	db := config.GetDB()

	customer := seedUser(t, models.UserRoleCustomer)
	customerCtx := utils.SetUserIdInContext(ctx, customer.ID)

	helperIds := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		helper := seedUser(t, models.UserRoleHelper)
		seedHelperProfile(t, helper.ID, 12.9716+float64(i)*0.001, 77.5946)
		helperIds = append(helperIds, helper.ID)
	}

	// Fund the customer through the capture path.
	capture, _ := json.Marshal(models.PaymentCapturePayload{
		EventType:        "payment.captured",
		PaymentReference: "cap_" + uuid.NewString(),
		CustomerId:       customer.ID,
		Amount:           100000,
	})
	if _, err := models.ProcessPaymentCapture(ctx, capture); err != nil {
		t.Fatalf("ProcessPaymentCapture: %v", err)
	}

	request, err := models.CreateServiceRequest(customerCtx, &models.NewServiceRequest{
		Category:       "plumbing",
		LocationLat:    12.9716,
		LocationLng:    77.5946,
		EstimatedPrice: 20000,
	})
	if err != nil {
		t.Fatalf("CreateServiceRequest: %v", err)
	}

	// Nil handle: Rank must resolve the shared connection per call, the way
	// the server constructs its matcher before the database is up.
	matcher := matching.NewGeoMatcher(nil, 10)
	result, err := models.BroadcastRequest(ctx, matcher, request.ID)
	if err != nil {
		t.Fatalf("BroadcastRequest: %v", err)
	}
	if result.CandidateCount != 5 {
		t.Fatalf("expected 5 candidates; got %d", result.CandidateCount)
	}

	var offers int64
	if err := db.Model(&models.NotificationOutbox{}).
		Where("request_id = ? AND event_type = ?", request.ID, models.EventJobOffer).
		Count(&offers).Error; err != nil {
		t.Fatalf("count offers: %v", err)
	}
	if offers != 5 {
		t.Fatalf("expected 5 job_offer outbox rows; got %d", offers)
	}

	// All five helpers race.
	var mu sync.Mutex
	outcomes := map[models.AcceptOutcome]int{}
	var winnerId string
	var wg sync.WaitGroup
	for _, helperId := range helperIds {
		helperId := helperId
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, _, err := models.AcceptJob(ctx, request.ID, helperId)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Errorf("AcceptJob(%s): %v", helperId, err)
				return
			}
			outcomes[outcome]++
			if outcome == models.AcceptOutcomeAssignedOK {
				winnerId = helperId
			}
		}()
	}
	wg.Wait()

	if outcomes[models.AcceptOutcomeAssignedOK] != 1 {
		t.Fatalf("expected exactly one winner; outcomes: %v", outcomes)
	}

	assigned, err := models.GetServiceRequest(ctx, request.ID)
	if err != nil {
		t.Fatalf("GetServiceRequest: %v", err)
	}
	if assigned.AssignedHelperId == nil || *assigned.AssignedHelperId != winnerId {
		t.Fatalf("assigned helper mismatch: %v vs winner %s", assigned.AssignedHelperId, winnerId)
	}
	if assigned.Status != models.RequestStatusAssigned || assigned.BroadcastStatus != models.BroadcastStatusAccepted {
		t.Fatalf("unexpected request state: %s/%s", assigned.Status, assigned.BroadcastStatus)
	}

	// A late accept from the winner is idempotent; from a loser it is refused.
	outcome, _, err := models.AcceptJob(ctx, request.ID, winnerId)
	if err != nil || outcome != models.AcceptOutcomeAssignedOK {
		t.Fatalf("winner retry: outcome %s err %v", outcome, err)
	}
	var loserId string
	for _, helperId := range helperIds {
		if helperId == winnerId {
			continue
		}
		loserId = helperId
		outcome, _, _ := models.AcceptJob(ctx, request.ID, helperId)
		if outcome == models.AcceptOutcomeAssignedOK {
			t.Fatalf("loser %s was allowed to accept after assignment", helperId)
		}
		break
	}

	// A missing request is a classified precondition, reported as such.
	outcome, _, err = models.AcceptJob(ctx, uuid.NewString(), loserId)
	if outcome != models.AcceptOutcomeRequestNotFound || !errors.Is(err, models.ErrRequestNotFound) {
		t.Fatalf("accept of missing request: outcome %s err %v", outcome, err)
	}

	// Fund escrow; a retried call with the same reference is a no-op.
	paymentRef := "pay_" + uuid.NewString()
	escrow, err := models.FundEscrow(customerCtx, request.ID, 20000, paymentRef)
	if err != nil {
		t.Fatalf("FundEscrow: %v", err)
	}
	again, err := models.FundEscrow(customerCtx, request.ID, 20000, paymentRef)
	if err != nil {
		t.Fatalf("FundEscrow retry: %v", err)
	}
	if again.ID != escrow.ID {
		t.Fatalf("retried funding created a second escrow: %d vs %d", again.ID, escrow.ID)
	}
	if _, err := models.FundEscrow(customerCtx, request.ID, 30000, paymentRef); err != models.ErrPaymentRefAmountMismatch {
		t.Fatalf("expected ErrPaymentRefAmountMismatch; got %v", err)
	}

	customerWallet, err := models.GetWallet(ctx, customer.ID, models.WalletOwnerCustomer)
	if err != nil {
		t.Fatalf("GetWallet(customer): %v", err)
	}
	if customerWallet.AvailableBalance != 80000 || customerWallet.EscrowBalance != 20000 {
		t.Fatalf("customer wallet after fund: available=%d escrow=%d", customerWallet.AvailableBalance, customerWallet.EscrowBalance)
	}

	// Release before completion must be refused for non-admins.
	if _, err := models.ReleaseEscrow(customerCtx, request.ID); err != models.ErrRequestNotCompleted {
		t.Fatalf("expected ErrRequestNotCompleted; got %v", err)
	}

	winnerCtx := utils.SetUserIdInContext(ctx, winnerId)
	if _, err := models.TransitionRequest(winnerCtx, request.ID, models.ActionStartWork); err != nil {
		t.Fatalf("start_work: %v", err)
	}
	if _, err := models.TransitionRequest(winnerCtx, request.ID, models.ActionComplete); err != nil {
		t.Fatalf("complete: %v", err)
	}

	released, err := models.ReleaseEscrow(customerCtx, request.ID)
	if err != nil {
		t.Fatalf("ReleaseEscrow: %v", err)
	}
	if released.CommissionFee != 2000 {
		t.Fatalf("commission at 10%% of 20000 = %d; want 2000", released.CommissionFee)
	}

	// Exactly-once settlement.
	if _, err := models.ReleaseEscrow(customerCtx, request.ID); err != models.ErrEscrowNotFunded {
		t.Fatalf("second release: expected ErrEscrowNotFunded; got %v", err)
	}
	if _, err := models.RefundEscrow(customerCtx, request.ID); err != models.ErrEscrowNotFunded {
		t.Fatalf("refund after release: expected ErrEscrowNotFunded; got %v", err)
	}

	helperWallet, err := models.GetWallet(ctx, winnerId, models.WalletOwnerHelper)
	if err != nil {
		t.Fatalf("GetWallet(helper): %v", err)
	}
	if helperWallet.AvailableBalance != 18000 {
		t.Fatalf("helper payout = %d; want 18000", helperWallet.AvailableBalance)
	}
	platformWallet, err := models.GetWallet(ctx, "platform", models.WalletOwnerPlatform)
	if err != nil {
		t.Fatalf("GetWallet(platform): %v", err)
	}
	if platformWallet.AvailableBalance != 2000 {
		t.Fatalf("platform commission = %d; want 2000", platformWallet.AvailableBalance)
	}
	customerWallet, _ = models.GetWallet(ctx, customer.ID, models.WalletOwnerCustomer)
	if customerWallet.EscrowBalance != 0 {
		t.Fatalf("customer escrow after release = %d; want 0", customerWallet.EscrowBalance)
	}

	// Append-only is enforced by the database, not only the ORM hooks.
	if err := db.Exec("UPDATE ledger_entries SET memo = 'tampered'").Error; err == nil {
		t.Fatal("ledger_entries UPDATE was allowed")
	}
	if err := db.Exec("DELETE FROM ledger_entries").Error; err == nil {
		t.Fatal("ledger_entries DELETE was allowed")
	}

	// The ledger must replay cleanly.
	summary, err := models.RunReconciliationChecks(ctx)
	if err != nil {
		t.Fatalf("RunReconciliationChecks: %v", err)
	}
	if summary.WalletMismatches != 0 || summary.EscrowAnomalies != 0 {
		t.Fatalf("reconciliation found money discrepancies: %+v", summary)
	}
}

// Regression: a broadcast no one answers expires, the request reopens, and a
// cancelled funded request refunds in full.
func TestBroadcastExpiryAndRefund(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	setupIntegrationEnv(t)
	ctx := context.Background()
	db := config.GetDB()

	customer := seedUser(t, models.UserRoleCustomer)
	customerCtx := utils.SetUserIdInContext(ctx, customer.ID)

	helper := seedUser(t, models.UserRoleHelper)
	seedHelperProfile(t, helper.ID, 12.9716, 77.5946)

	capture, _ := json.Marshal(models.PaymentCapturePayload{
		EventType:        "payment.captured",
		PaymentReference: "cap_" + uuid.NewString(),
		CustomerId:       customer.ID,
		Amount:           50000,
	})
	if _, err := models.ProcessPaymentCapture(ctx, capture); err != nil {
		t.Fatalf("ProcessPaymentCapture: %v", err)
	}

	request, err := models.CreateServiceRequest(customerCtx, &models.NewServiceRequest{
		Category:       "plumbing",
		LocationLat:    12.9716,
		LocationLng:    77.5946,
		EstimatedPrice: 15000,
	})
	if err != nil {
		t.Fatalf("CreateServiceRequest: %v", err)
	}

	matcher := matching.NewGeoMatcher(db, 10)
	if _, err := models.BroadcastRequest(ctx, matcher, request.ID); err != nil {
		t.Fatalf("BroadcastRequest: %v", err)
	}

	// Force the deadline into the past and sweep.
	past := time.Now().UTC().Add(-time.Minute)
	if err := db.Model(&models.ServiceRequest{}).
		Where("id = ?", request.ID).
		Update("broadcast_expires_at", &past).Error; err != nil {
		t.Fatalf("force expiry: %v", err)
	}
	expired, reopened, err := models.ExpireStaleBroadcasts(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireStaleBroadcasts: %v", err)
	}
	if expired != 1 || reopened != 1 {
		t.Fatalf("sweep expired=%d reopened=%d; want 1/1", expired, reopened)
	}

	reopenedReq, _ := models.GetServiceRequest(ctx, request.ID)
	if reopenedReq.Status != models.RequestStatusOpen || reopenedReq.BroadcastStatus != models.BroadcastStatusNone {
		t.Fatalf("request after sweep: %s/%s; want open/none", reopenedReq.Status, reopenedReq.BroadcastStatus)
	}
	var noHelper int64
	if err := db.Model(&models.NotificationOutbox{}).
		Where("request_id = ? AND event_type = ?", request.ID, models.EventNoHelperAvailable).
		Count(&noHelper).Error; err != nil || noHelper != 1 {
		t.Fatalf("no_helper_available rows = %d err %v; want 1", noHelper, err)
	}

	// Round one's offer was delivered; a re-broadcast must put it back on the
	// wire, not collide with the delivered row and vanish.
	sentAt := time.Now().UTC().Add(-time.Minute)
	if err := db.Model(&models.NotificationOutbox{}).
		Where("request_id = ? AND event_type = ? AND recipient_id = ?", request.ID, models.EventJobOffer, helper.ID).
		Updates(map[string]interface{}{
			"publish_status":   models.OutboxPublishStatusSent,
			"published_at":     &sentAt,
			"publish_attempts": 3,
		}).Error; err != nil {
		t.Fatalf("mark offer sent: %v", err)
	}
	if _, err := models.BroadcastRequest(ctx, matcher, request.ID); err != nil {
		t.Fatalf("re-broadcast: %v", err)
	}
	var offer models.NotificationOutbox
	if err := db.Where("request_id = ? AND event_type = ? AND recipient_id = ?",
		request.ID, models.EventJobOffer, helper.ID).Take(&offer).Error; err != nil {
		t.Fatalf("load re-broadcast offer: %v", err)
	}
	if offer.PublishStatus != models.OutboxPublishStatusPending || offer.PublishAttempts != 0 || offer.PublishedAt != nil {
		t.Fatalf("re-broadcast offer not requeued: status=%s attempts=%d", offer.PublishStatus, offer.PublishAttempts)
	}

	// A second full expiry re-notifies the customer even though the first
	// notice was already delivered.
	if err := db.Model(&models.NotificationOutbox{}).
		Where("request_id = ? AND event_type = ?", request.ID, models.EventNoHelperAvailable).
		Updates(map[string]interface{}{
			"publish_status": models.OutboxPublishStatusSent,
			"published_at":   &sentAt,
		}).Error; err != nil {
		t.Fatalf("mark notice sent: %v", err)
	}
	if err := db.Model(&models.ServiceRequest{}).
		Where("id = ?", request.ID).
		Update("broadcast_expires_at", &past).Error; err != nil {
		t.Fatalf("force second expiry: %v", err)
	}
	expired, reopened, err = models.ExpireStaleBroadcasts(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if expired != 1 || reopened != 1 {
		t.Fatalf("second sweep expired=%d reopened=%d; want 1/1", expired, reopened)
	}
	var notice models.NotificationOutbox
	if err := db.Where("request_id = ? AND event_type = ?", request.ID, models.EventNoHelperAvailable).
		Take(&notice).Error; err != nil {
		t.Fatalf("load second notice: %v", err)
	}
	if notice.PublishStatus != models.OutboxPublishStatusPending {
		t.Fatalf("second no_helper notice not requeued: %s", notice.PublishStatus)
	}

	// Broadcast again so a live offer is outstanding when the customer cancels.
	if _, err := models.BroadcastRequest(ctx, matcher, request.ID); err != nil {
		t.Fatalf("third broadcast: %v", err)
	}

	// A capture that carries only the request reference resolves the customer.
	topUp, _ := json.Marshal(models.PaymentCapturePayload{
		EventType:        "payment.captured",
		PaymentReference: "cap_" + uuid.NewString(),
		RequestId:        request.ID,
		Amount:           5000,
	})
	topUpEvent, err := models.ProcessPaymentCapture(ctx, topUp)
	if err != nil {
		t.Fatalf("ProcessPaymentCapture(request ref): %v", err)
	}
	if topUpEvent.CustomerId != customer.ID || topUpEvent.RequestId != request.ID {
		t.Fatalf("capture by request ref recorded %q/%q", topUpEvent.CustomerId, topUpEvent.RequestId)
	}

	// Fund, cancel, refund in full. Cancelling mid-broadcast retracts the
	// outstanding offer.
	if _, err := models.FundEscrow(customerCtx, request.ID, 15000, "pay_"+uuid.NewString()); err != nil {
		t.Fatalf("FundEscrow: %v", err)
	}
	if _, err := models.TransitionRequest(customerCtx, request.ID, models.ActionCancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var invitation models.BroadcastNotification
	if err := db.Where("request_id = ? AND helper_id = ?", request.ID, helper.ID).
		Take(&invitation).Error; err != nil {
		t.Fatalf("load invitation: %v", err)
	}
	if invitation.Status != models.NotificationStatusExpired {
		t.Fatalf("invitation after cancel = %s; want expired", invitation.Status)
	}
	var closed int64
	if err := db.Model(&models.NotificationOutbox{}).
		Where("request_id = ? AND event_type = ? AND recipient_id = ?", request.ID, models.EventOfferClosed, helper.ID).
		Count(&closed).Error; err != nil || closed != 1 {
		t.Fatalf("offer_closed rows = %d err %v; want 1", closed, err)
	}
	if _, err := models.RefundEscrow(customerCtx, request.ID); err != nil {
		t.Fatalf("RefundEscrow: %v", err)
	}

	wallet, err := models.GetWallet(ctx, customer.ID, models.WalletOwnerCustomer)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if wallet.AvailableBalance != 55000 || wallet.EscrowBalance != 0 {
		t.Fatalf("wallet after refund: available=%d escrow=%d; want 55000/0", wallet.AvailableBalance, wallet.EscrowBalance)
	}

	summary, err := models.RunReconciliationChecks(ctx)
	if err != nil {
		t.Fatalf("RunReconciliationChecks: %v", err)
	}
	if summary.WalletMismatches != 0 || summary.EscrowAnomalies != 0 {
		t.Fatalf("reconciliation found money discrepancies: %+v", summary)
	}
}

func setupIntegrationEnv(t *testing.T) {
	t.Helper()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "fixmate_test")
	t.Setenv("COMMISSION_PERCENT", "")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()
	if err := models.SeedDefaults(context.Background()); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
}

func seedUser(t *testing.T, role models.UserRole) *models.User {
	t.Helper()
	db := config.GetDB()
	user := models.User{
		ID:       uuid.NewString(),
		Phone:    "+91" + uuid.NewString()[:10],
		FullName: "Test User",
		Role:     role,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return &user
}

func seedHelperProfile(t *testing.T, helperId string, lat, lng float64) {
	t.Helper()
	db := config.GetDB()
	now := time.Now().UTC()
	profile := models.HelperProfile{
		HelperId:          helperId,
		Categories:        "plumbing,electrical",
		IsActive:          utils.NewTrue(),
		IsOnJob:           utils.NewFalse(),
		CurrentLat:        lat,
		CurrentLng:        lng,
		LocationUpdatedAt: &now,
		Rating:            4.5,
		CompletedJobs:     25,
	}
	if err := db.Create(&profile).Error; err != nil {
		t.Fatalf("seed helper profile: %v", err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("dispatch-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("dispatch-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=fixmate_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
