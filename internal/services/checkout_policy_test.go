package services

import (
	"strings"
	"testing"
)

func TestCheckoutPolicyShippingThreshold(t *testing.T) {
	policy := DefaultCheckoutPolicy()
	cases := []struct {
		subtotal string
		want     string
	}{
		{"0.01", "250"},
		{"4999.99", "250"},
		{"5000", "0"},
		{"12000", "0"},
	}
	for _, tc := range cases {
		decEqual(t, "shipping for "+tc.subtotal, tc.want, policy.Shipping(dec(tc.subtotal)))
	}
	decEqual(t, "tax", "0", policy.Tax(dec("1500")))
}

func TestNormalisePhone(t *testing.T) {
	cases := map[string]string{
		"0712 345 678":     "0712345678",
		"+254-712-345-678": "+254712345678",
		"(0110) 345.678":   "0110345678",
		"０７１２３４５６７８":       "0712345678",
	}
	policy := DefaultCheckoutPolicy()
	for raw, want := range cases {
		got := NormalisePhone(raw)
		if got != want {
			t.Fatalf("NormalisePhone(%q) = %q, want %q", raw, got, want)
		}
		if !policy.PhonePattern.MatchString(got) {
			t.Fatalf("expected %q to match the default pattern", got)
		}
	}
}

func TestCouponDiscountCapsAtSubtotal(t *testing.T) {
	decEqual(t, "percent", "150", couponDiscount(couponFixture("percent", "10"), dec("1500")))
	decEqual(t, "fixed", "100", couponDiscount(couponFixture("fixed", "100"), dec("1500")))
	decEqual(t, "capped", "50", couponDiscount(couponFixture("fixed", "100"), dec("50")))
}

func TestPlainTextDoesNotRestoreEncodedMarkup(t *testing.T) {
	cases := map[string]string{
		"Tom & Jerry":                          "Tom & Jerry",
		"  Jane O'Brien ":                      "Jane O'Brien",
		"a < b":                                "a < b",
		"&lt;b&gt;bold&lt;/b&gt;":              "bold",
		"&amp;lt;i&amp;gt;x&amp;lt;/i&amp;gt;": "x",
		"<script>alert(1)</script>Jane":        "Jane",
	}
	for raw, want := range cases {
		got := plainText(raw)
		if got != want {
			t.Fatalf("plainText(%q) = %q, want %q", raw, got, want)
		}
	}
	got := plainText("&lt;script&gt;alert(1)&lt;/script&gt;Jane")
	if strings.Contains(got, "<script") {
		t.Fatalf("encoded script came back as markup: %q", got)
	}
}
