package models_test

import (
	"testing"

	"bitbucket.org/fixmatehq/dispatch_backend/models"
	"github.com/shopspring/decimal"
)

func TestCommissionFor_FloorsFractionalPaise(t *testing.T) {
	cases := []struct {
		name    string
		amount  int64
		percent string
		want    int64
	}{
		{"exact", 10000, "10", 1000},
		{"floors down", 999, "10", 99},
		{"fractional percent", 10000, "12.5", 1250},
		{"fractional percent floors", 101, "12.5", 12},
		{"zero percent", 10000, "0", 0},
		{"full percent", 10000, "100", 10000},
		{"one paisa", 1, "10", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			percent, err := decimal.NewFromString(tc.percent)
			if err != nil {
				t.Fatalf("parse percent: %v", err)
			}
			got := models.CommissionFor(tc.amount, percent)
			if got != tc.want {
				t.Fatalf("CommissionFor(%d, %s) = %d; want %d", tc.amount, tc.percent, got, tc.want)
			}
		})
	}
}

func TestCommissionFor_HelperShareNeverNegative(t *testing.T) {
	percent := decimal.NewFromInt(100)
	for _, amount := range []int64{1, 99, 100, 12345} {
		fee := models.CommissionFor(amount, percent)
		if amount-fee < 0 {
			t.Fatalf("amount %d: fee %d exceeds amount", amount, fee)
		}
	}
}
