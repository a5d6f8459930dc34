package services

import (
	"fmt"
	"html"
	"net/mail"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"golang.org/x/text/width"
)

const (
	// TotalPolicyReject fails checkout when the client total disagrees with the computed one.
	TotalPolicyReject = "reject"
	// TotalPolicyLog records the disagreement and persists the computed total.
	TotalPolicyLog = "log"

	// DefaultPhonePattern accepts local mobile numbers in 07xx/01xx form or with the 254 prefix.
	DefaultPhonePattern = `^(?:\+?254|0)[17]\d{8}$`

	maxSanitisePasses = 4
)

var (
	defaultShippingFee           = decimal.NewFromInt(250)
	defaultFreeShippingThreshold = decimal.NewFromInt(5000)

	textPolicy       = bluemonday.StrictPolicy()
	phoneSeparators  = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	angleBrackets    = strings.NewReplacer("<", "", ">", "")
	defaultPhoneExpr = regexp.MustCompile(DefaultPhonePattern)
)

// CheckoutPolicy holds the business rules applied when pricing and validating an order.
type CheckoutPolicy struct {
	ShippingFee           decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	TaxRate               decimal.Decimal
	Tolerance             decimal.Decimal
	PhonePattern          *regexp.Regexp
	PaymentMethods        []string
	TotalPolicy           string
}

// DefaultCheckoutPolicy returns the stock rules: 250 shipping below 5000, no tax, 0.01 tolerance.
func DefaultCheckoutPolicy() CheckoutPolicy {
	return CheckoutPolicy{
		ShippingFee:           defaultShippingFee,
		FreeShippingThreshold: defaultFreeShippingThreshold,
		TaxRate:               decimal.Zero,
		Tolerance:             DefaultPriceTolerance,
		PhonePattern:          defaultPhoneExpr,
		TotalPolicy:           TotalPolicyReject,
	}
}

func (p CheckoutPolicy) normalised() CheckoutPolicy {
	if p.ShippingFee.IsNegative() {
		p.ShippingFee = decimal.Zero
	}
	if !p.Tolerance.IsPositive() {
		p.Tolerance = DefaultPriceTolerance
	}
	if p.PhonePattern == nil {
		p.PhonePattern = defaultPhoneExpr
	}
	switch strings.ToLower(strings.TrimSpace(p.TotalPolicy)) {
	case TotalPolicyLog:
		p.TotalPolicy = TotalPolicyLog
	default:
		p.TotalPolicy = TotalPolicyReject
	}
	methods := make([]string, 0, len(p.PaymentMethods))
	for _, method := range p.PaymentMethods {
		if method = strings.ToLower(strings.TrimSpace(method)); method != "" {
			methods = append(methods, method)
		}
	}
	p.PaymentMethods = methods
	return p
}

// Shipping returns the flat fee for subtotals under the threshold and zero otherwise.
func (p CheckoutPolicy) Shipping(subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.LessThan(p.FreeShippingThreshold) {
		return p.ShippingFee
	}
	return decimal.Zero
}

// Tax applies the configured rate, rounded to cents.
func (p CheckoutPolicy) Tax(subtotal decimal.Decimal) decimal.Decimal {
	if p.TaxRate.IsZero() {
		return decimal.Zero
	}
	return subtotal.Mul(p.TaxRate).Round(2)
}

func (p CheckoutPolicy) allowsPaymentMethod(method string) bool {
	if len(p.PaymentMethods) == 0 {
		return true
	}
	for _, allowed := range p.PaymentMethods {
		if allowed == method {
			return true
		}
	}
	return false
}

// validateCreateOrder returns a sanitised copy of cmd or the first violated constraint.
func (p CheckoutPolicy) validateCreateOrder(cmd CreateOrderCommand) (CreateOrderCommand, error) {
	out := cmd

	out.Customer.Name = plainText(cmd.Customer.Name)
	if out.Customer.Name == "" {
		return cmd, invalid("customer_info.name", "Customer name is required")
	}

	email := strings.TrimSpace(cmd.Customer.Email)
	addr, err := mail.ParseAddress(email)
	if email == "" || err != nil || addr.Address != email {
		return cmd, invalid("customer_info.email", "A valid email address is required")
	}
	out.Customer.Email = addr.Address

	phone := NormalisePhone(cmd.Customer.Phone)
	if !p.PhonePattern.MatchString(phone) {
		return cmd, invalid("customer_info.phone", "A valid mobile phone number is required")
	}
	out.Customer.Phone = phone

	if len(cmd.Items) == 0 {
		return cmd, invalid("cart_items", "Cart is empty")
	}
	out.Items = make([]CartItem, len(cmd.Items))
	for i, item := range cmd.Items {
		if item.ProductID <= 0 {
			return cmd, invalid(fmt.Sprintf("cart_items[%d].id", i), "Product id must be positive")
		}
		if item.Quantity <= 0 || item.Quantity > MaxLineQuantity {
			return cmd, invalid(fmt.Sprintf("cart_items[%d].quantity", i), fmt.Sprintf("Quantity must be between 1 and %d", MaxLineQuantity))
		}
		if item.Price.IsNegative() {
			return cmd, invalid(fmt.Sprintf("cart_items[%d].price", i), "Price must not be negative")
		}
		item.Name = plainText(item.Name)
		out.Items[i] = item
	}

	if !cmd.TotalAmount.IsPositive() {
		return cmd, invalid("total_amount", "Total amount must be greater than zero")
	}

	out.PaymentMethod = strings.ToLower(strings.TrimSpace(cmd.PaymentMethod))
	if out.PaymentMethod == "" {
		return cmd, invalid("payment_method", "Payment method is required")
	}
	if !p.allowsPaymentMethod(out.PaymentMethod) {
		return cmd, invalid("payment_method", fmt.Sprintf("Payment method %q is not supported", out.PaymentMethod))
	}

	if cmd.Coupon != nil {
		code := strings.ToUpper(strings.TrimSpace(cmd.Coupon.Code))
		if code == "" {
			return cmd, invalid("applied_coupon.code", "Coupon code is required")
		}
		if cmd.Coupon.DiscountAmount.IsNegative() {
			return cmd, invalid("applied_coupon.discount_amount", "Discount must not be negative")
		}
		out.Coupon = &AppliedCoupon{Code: code, DiscountAmount: cmd.Coupon.DiscountAmount}
	}

	out.ShippingAddress = plainText(cmd.ShippingAddress)
	out.Notes = plainText(cmd.Notes)
	out.Meta.CustomerID = strings.TrimSpace(cmd.Meta.CustomerID)
	out.Meta.IPAddress = strings.TrimSpace(cmd.Meta.IPAddress)
	out.Meta.UserAgent = strings.TrimSpace(cmd.Meta.UserAgent)
	return out, nil
}

// NormalisePhone folds full-width digits and strips common separators.
func NormalisePhone(raw string) string {
	return phoneSeparators.Replace(width.Fold.String(strings.TrimSpace(raw)))
}

// plainText strips markup from customer-supplied text and trims surrounding whitespace.
// Entities are decoded so "&" survives as text, and the result is sanitised again
// until it settles, so encoded tags such as "&lt;b&gt;" cannot come back as markup.
func plainText(raw string) string {
	value := raw
	for pass := 0; pass < maxSanitisePasses; pass++ {
		next := html.UnescapeString(textPolicy.Sanitize(value))
		if next == value {
			return strings.TrimSpace(value)
		}
		value = next
	}
	return strings.TrimSpace(angleBrackets.Replace(value))
}
