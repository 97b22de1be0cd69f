package models

// RequestStatus is the primary lifecycle of a service request.
// open -> assigned -> in_progress -> completed, with cancelled reachable from
// any pre-completed state.
type RequestStatus string

const (
	RequestStatusOpen       RequestStatus = "open"
	RequestStatusAssigned   RequestStatus = "assigned"
	RequestStatusInProgress RequestStatus = "in_progress"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusCancelled  RequestStatus = "cancelled"
)

// BroadcastStatus tracks the candidate-invitation side of a request,
// independent of (but correlated with) RequestStatus.
type BroadcastStatus string

const (
	BroadcastStatusNone         BroadcastStatus = "none"
	BroadcastStatusBroadcasting BroadcastStatus = "broadcasting"
	BroadcastStatusAccepted     BroadcastStatus = "accepted"
	BroadcastStatusExpired      BroadcastStatus = "expired"
)

type NotificationStatus string

const (
	NotificationStatusPending  NotificationStatus = "pending"
	NotificationStatusAccepted NotificationStatus = "accepted"
	NotificationStatusExpired  NotificationStatus = "expired"
)

type EscrowStatus string

const (
	EscrowStatusFunded   EscrowStatus = "funded"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

type LedgerDirection string

const (
	LedgerDirectionDebit  LedgerDirection = "debit"
	LedgerDirectionCredit LedgerDirection = "credit"
)

// BalanceKind names which bucket of a wallet a ledger entry touched.
// "external" entries record money entering or leaving the platform (payment
// capture, withdrawal); they are the only entries that change the global sum.
type BalanceKind string

const (
	BalanceKindAvailable BalanceKind = "available"
	BalanceKindEscrow    BalanceKind = "escrow"
	BalanceKindExternal  BalanceKind = "external"
)

type WalletOwnerType string

const (
	WalletOwnerCustomer WalletOwnerType = "customer"
	WalletOwnerHelper   WalletOwnerType = "helper"
	WalletOwnerPlatform WalletOwnerType = "platform"
)

type UserRole string

const (
	UserRoleCustomer UserRole = "customer"
	UserRoleHelper   UserRole = "helper"
	UserRoleAdmin    UserRole = "admin"
)

// AcceptOutcome is the result of an acceptance attempt. Contention outcomes
// are ordinary values, not errors: the caller is expected to try a different
// job, not retry this one.
type AcceptOutcome string

const (
	AcceptOutcomeAssignedOK      AcceptOutcome = "AssignedOK"
	AcceptOutcomeAlreadyAssigned AcceptOutcome = "AlreadyAssigned"
	AcceptOutcomeAlreadyOnJob    AcceptOutcome = "AlreadyOnJob"
	AcceptOutcomeNotAvailable    AcceptOutcome = "NotAvailable"
	AcceptOutcomeRequestNotFound AcceptOutcome = "RequestNotFound"
)

// EventType values carried by notification outbox rows.
type EventType string

const (
	EventJobOffer          EventType = "job_offer"
	EventJobAccepted       EventType = "job_accepted"
	EventOfferClosed       EventType = "offer_closed"
	EventNoHelperAvailable EventType = "no_helper_available"
	EventWorkStarted       EventType = "work_started"
	EventWorkCompleted     EventType = "work_completed"
	EventRequestCancelled  EventType = "request_cancelled"
	EventEscrowFunded      EventType = "escrow_funded"
	EventEscrowReleased    EventType = "escrow_released"
	EventEscrowRefunded    EventType = "escrow_refunded"
)
