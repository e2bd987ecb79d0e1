package revenue

import (
	"testing"

	xerrors "Revenue-API/internal/errors"
)

func TestEntryValidate(t *testing.T) {
	cases := []struct {
		name  string
		entry Entry
		valid bool
	}{
		{"ok", Entry{Account: "acct-1", AmountCents: 1200, Currency: "USD"}, true},
		{"negative amount is a refund", Entry{Account: "acct-1", AmountCents: -500, Currency: "EUR"}, true},
		{"lowercase currency is normalised", Entry{Account: "acct-1", AmountCents: 100, Currency: "usd"}, true},
		{"missing account", Entry{AmountCents: 100, Currency: "USD"}, false},
		{"zero amount", Entry{Account: "acct-1", Currency: "USD"}, false},
		{"bad currency", Entry{Account: "acct-1", AmountCents: 100, Currency: "US"}, false},
		{"numeric currency", Entry{Account: "acct-1", AmountCents: 100, Currency: "U5D"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.entry.Validate()
			if tc.valid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.valid {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if xerrors.CodeOf(err) != CodeEntryValidation {
					t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
				}
			}
		})
	}
}

func TestEntryNormalise(t *testing.T) {
	entry := Entry{Account: "  acct-1 ", AmountCents: 10, Currency: " usd "}
	if err := entry.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if entry.Account != "acct-1" || entry.Currency != "USD" {
		t.Fatalf("normalise failed: %+v", entry)
	}
}
