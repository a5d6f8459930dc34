package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories/memory"
)

type checkoutFixture struct {
	store    *memory.Store
	svc      CheckoutService
	notifier *captureNotifier
	logger   *captureLogger
}

func newCheckoutFixture(t *testing.T, store *memory.Store, mutate func(*CheckoutServiceDeps)) checkoutFixture {
	t.Helper()
	ledger, err := NewInventoryLedger(InventoryLedgerDeps{
		Products:   store.Products(),
		Movements:  store.StockMovements(),
		UnitOfWork: store,
		Clock:      fixedClock,
	})
	if err != nil {
		t.Fatalf("new inventory ledger: %v", err)
	}
	numbers, err := NewOrderNumberGenerator(OrderNumberGeneratorDeps{
		Counters: store.Counters(),
		Strategy: OrderNumberStrategyCounter,
		Clock:    fixedClock,
	})
	if err != nil {
		t.Fatalf("new order number generator: %v", err)
	}
	notifier := &captureNotifier{}
	logger := &captureLogger{}
	deps := CheckoutServiceDeps{
		UnitOfWork:   store,
		Orders:       store.Orders(),
		Coupons:      store.Coupons(),
		Ledger:       ledger,
		OrderNumbers: numbers,
		Notifier:     notifier,
		Policy:       DefaultCheckoutPolicy(),
		Clock:        fixedClock,
		Logger:       logger.log,
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}
	return checkoutFixture{store: store, svc: svc, notifier: notifier, logger: logger}
}

func validOrderCommand() CreateOrderCommand {
	return CreateOrderCommand{
		Customer: CustomerInfo{Name: "Jane Wanjiru", Email: "jane@example.com", Phone: "0712345678"},
		Items: []CartItem{
			{ProductID: 1, Name: "Widget", Quantity: 1, Price: dec("1000")},
			{ProductID: 2, Name: "Gadget", Quantity: 1, Price: dec("500")},
		},
		TotalAmount:     dec("1750"),
		PaymentMethod:   "mpesa",
		ShippingAddress: "12 Moi Avenue, Nairobi",
		Meta:            RequestMeta{CustomerID: "user-1", IPAddress: "203.0.113.7", UserAgent: "test"},
	}
}

func assertNothingWritten(t *testing.T, store *memory.Store) {
	t.Helper()
	snap := store.Snapshot()
	if len(snap.Orders) != 0 {
		t.Fatalf("expected no orders, got %d", len(snap.Orders))
	}
	if len(snap.Movements) != 0 {
		t.Fatalf("expected no stock movements, got %d", len(snap.Movements))
	}
	if snap.Products[1].StockQuantity != 10 || snap.Products[2].StockQuantity != 5 {
		t.Fatalf("expected stock untouched, got %d and %d", snap.Products[1].StockQuantity, snap.Products[2].StockQuantity)
	}
}

func TestCheckoutServiceCreateOrderHappyPath(t *testing.T) {
	fx := newCheckoutFixture(t, seededStore(t), nil)

	result, err := fx.svc.CreateOrder(context.Background(), validOrderCommand())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if result.OrderNumber != "ORD-2025-000001" {
		t.Fatalf("unexpected order number %s", result.OrderNumber)
	}
	decEqual(t, "subtotal", "1500", result.Subtotal)
	decEqual(t, "shipping", "250", result.ShippingCost)
	decEqual(t, "tax", "0", result.Tax)
	decEqual(t, "discount", "0", result.Discount)
	decEqual(t, "total", "1750", result.TotalAmount)
	if result.Status != domain.OrderStatusPending || result.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected pending/pending, got %s/%s", result.Status, result.PaymentStatus)
	}
	if !result.CreatedAt.Equal(testNow) {
		t.Fatalf("unexpected created at %s", result.CreatedAt)
	}

	snap := fx.store.Snapshot()
	if snap.Products[1].StockQuantity != 9 || snap.Products[2].StockQuantity != 4 {
		t.Fatalf("unexpected stock %d/%d", snap.Products[1].StockQuantity, snap.Products[2].StockQuantity)
	}
	if len(snap.Movements) != 2 {
		t.Fatalf("expected 2 movements, got %d", len(snap.Movements))
	}
	for _, movement := range snap.Movements {
		if movement.QuantityDelta != -1 || movement.Type != domain.MovementTypeSale {
			t.Fatalf("unexpected movement %+v", movement)
		}
		if movement.ReferenceType != domain.ReferenceTypeOrder || movement.ReferenceID != result.OrderNumber {
			t.Fatalf("movement not linked to order: %+v", movement)
		}
	}
	if len(snap.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(snap.Orders))
	}
	order := snap.Orders[0]
	if order.UserID != "user-1" || order.IPAddress != "203.0.113.7" {
		t.Fatalf("request meta not persisted: %+v", order)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(order.Items))
	}
	sum := order.Subtotal.Add(order.Tax).Add(order.ShippingCost).Sub(order.Discount)
	if !sum.Equal(order.TotalAmount) {
		t.Fatalf("total integrity violated: %s != %s", sum, order.TotalAmount)
	}

	events := fx.notifier.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(events))
	}
	if events[0].EventType != EventNewOrder || events[0].Link != "/admin/orders/"+result.OrderNumber {
		t.Fatalf("unexpected notification %+v", events[0])
	}
}

func TestCheckoutServiceCreateOrderFreeShippingAtThreshold(t *testing.T) {
	fx := newCheckoutFixture(t, seededStore(t), nil)
	cmd := validOrderCommand()
	cmd.Items = []CartItem{{ProductID: 1, Quantity: 5, Price: dec("1000")}}
	cmd.TotalAmount = dec("5000")

	result, err := fx.svc.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	decEqual(t, "shipping", "0", result.ShippingCost)
	decEqual(t, "total", "5000", result.TotalAmount)
}

func TestCheckoutServiceCreateOrderInsufficientStock(t *testing.T) {
	fx := newCheckoutFixture(t, seededStore(t), nil)
	cmd := validOrderCommand()
	cmd.Items[0].Quantity = 11

	_, err := fx.svc.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected *InsufficientStockError, got %T", err)
	}
	if stockErr.Available != 10 || stockErr.Requested != 11 || stockErr.Name != "Widget" {
		t.Fatalf("unexpected error detail %+v", stockErr)
	}
	assertNothingWritten(t, fx.store)
	if len(fx.notifier.all()) != 0 {
		t.Fatalf("expected no notification on failure")
	}
}

func TestCheckoutServiceCreateOrderPriceDrift(t *testing.T) {
	fx := newCheckoutFixture(t, seededStore(t), nil)
	cmd := validOrderCommand()
	cmd.Items[0].Price = dec("900")

	_, err := fx.svc.CreateOrder(context.Background(), cmd)
	var mismatch *PriceMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected price mismatch, got %v", err)
	}
	if !mismatch.Expected.Equal(dec("1000")) || !mismatch.Supplied.Equal(dec("900")) {
		t.Fatalf("unexpected mismatch detail %+v", mismatch)
	}
	assertNothingWritten(t, fx.store)
}

func TestCheckoutServiceCreateOrderAcceptsPriceWithinTolerance(t *testing.T) {
	fx := newCheckoutFixture(t, seededStore(t), nil)
	cmd := validOrderCommand()
	cmd.Items[0].Price = dec("999.995")

	result, err := fx.svc.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !result.Items[0].UnitPrice.Equal(dec("1000")) {
		t.Fatalf("expected stored price to be used, got %s", result.Items[0].UnitPrice)
	}
}

func TestCheckoutServiceCreateOrderUnknownProduct(t *testing.T) {
	fx := newCheckoutFixture(t, seededStore(t), nil)
	cmd := validOrderCommand()
	cmd.Items = append(cmd.Items, CartItem{ProductID: 99, Quantity: 1, Price: dec("10")})

	_, err := fx.svc.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	assertNothingWritten(t, fx.store)
}

func TestCheckoutServiceCreateOrderValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateOrderCommand)
		field  string
	}{
		{"blank name", func(c *CreateOrderCommand) { c.Customer.Name = "  " }, "customer_info.name"},
		{"markup only name", func(c *CreateOrderCommand) { c.Customer.Name = "<b></b>" }, "customer_info.name"},
		{"bad email", func(c *CreateOrderCommand) { c.Customer.Email = "not-an-email" }, "customer_info.email"},
		{"display name email", func(c *CreateOrderCommand) { c.Customer.Email = "Jane <jane@example.com>" }, "customer_info.email"},
		{"bad phone", func(c *CreateOrderCommand) { c.Customer.Phone = "12345" }, "customer_info.phone"},
		{"empty cart", func(c *CreateOrderCommand) { c.Items = nil }, "cart_items"},
		{"zero quantity", func(c *CreateOrderCommand) { c.Items[1].Quantity = 0 }, "cart_items[1].quantity"},
		{"bad product id", func(c *CreateOrderCommand) { c.Items[0].ProductID = 0 }, "cart_items[0].id"},
		{"negative price", func(c *CreateOrderCommand) { c.Items[0].Price = dec("-1") }, "cart_items[0].price"},
		{"zero total", func(c *CreateOrderCommand) { c.TotalAmount = dec("0") }, "total_amount"},
		{"missing payment method", func(c *CreateOrderCommand) { c.PaymentMethod = "" }, "payment_method"},
		{"blank coupon", func(c *CreateOrderCommand) { c.Coupon = &AppliedCoupon{Code: " "} }, "applied_coupon.code"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newCheckoutFixture(t, seededStore(t), nil)
			cmd := validOrderCommand()
			tc.mutate(&cmd)

			_, err := fx.svc.CreateOrder(context.Background(), cmd)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, verr.Field)
			}
			assertNothingWritten(t, fx.store)
		})
	}
}

func TestCheckoutServiceCreateOrderPaymentAllowList(t *testing.T) {
	fx := newCheckoutFixture(t, seededStore(t), func(deps *CheckoutServiceDeps) {
		deps.Policy.PaymentMethods = []string{"card"}
	})

	_, err := fx.svc.CreateOrder(context.Background(), validOrderCommand())
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "payment_method" {
		t.Fatalf("expected payment method validation error, got %v", err)
	}
}

func TestCheckoutServiceCreateOrderNormalisesCustomerInput(t *testing.T) {
	fx := newCheckoutFixture(t, seededStore(t), nil)
	cmd := validOrderCommand()
	cmd.Customer.Name = "<script>alert(1)</script>Jane O'Brien"
	cmd.Customer.Phone = "０７１２ ３４５-６７８"

	result, err := fx.svc.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if result.Customer.Name != "Jane O'Brien" {
		t.Fatalf("unexpected sanitised name %q", result.Customer.Name)
	}
	if result.Customer.Phone != "0712345678" {
		t.Fatalf("unexpected normalised phone %q", result.Customer.Phone)
	}
}

func TestCheckoutServiceCreateOrderTotalPolicy(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		fx := newCheckoutFixture(t, seededStore(t), nil)
		cmd := validOrderCommand()
		cmd.TotalAmount = dec("1500")

		_, err := fx.svc.CreateOrder(context.Background(), cmd)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "total_amount" {
			t.Fatalf("expected total validation error, got %v", err)
		}
		assertNothingWritten(t, fx.store)
	})

	t.Run("log", func(t *testing.T) {
		fx := newCheckoutFixture(t, seededStore(t), func(deps *CheckoutServiceDeps) {
			deps.Policy.TotalPolicy = TotalPolicyLog
		})
		cmd := validOrderCommand()
		cmd.TotalAmount = dec("1500")

		result, err := fx.svc.CreateOrder(context.Background(), cmd)
		if err != nil {
			t.Fatalf("create order: %v", err)
		}
		decEqual(t, "total", "1750", result.TotalAmount)
		if !fx.logger.has("checkout.total.mismatch") {
			t.Fatalf("expected mismatch to be logged")
		}
	})
}

func TestCheckoutServiceCreateOrderAppliesCoupon(t *testing.T) {
	store := seededStore(t)
	limit := 1
	store.SeedCoupon(domain.Coupon{
		ID:             7,
		Code:           "SAVE10",
		DiscountType:   domain.DiscountTypePercent,
		DiscountValue:  dec("10"),
		MinOrderAmount: dec("1000"),
		UsageLimit:     &limit,
		Active:         true,
	})
	fx := newCheckoutFixture(t, store, nil)

	cmd := validOrderCommand()
	cmd.Coupon = &AppliedCoupon{Code: "save10", DiscountAmount: dec("150")}
	cmd.TotalAmount = dec("1600")

	result, err := fx.svc.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	decEqual(t, "discount", "150", result.Discount)
	decEqual(t, "total", "1600", result.TotalAmount)

	snap := store.Snapshot()
	if snap.Coupons["SAVE10"].UsedCount != 1 {
		t.Fatalf("expected used count 1, got %d", snap.Coupons["SAVE10"].UsedCount)
	}
	if len(snap.Usages) != 1 || snap.Usages[0].OrderID != result.OrderID {
		t.Fatalf("expected usage linked to order, got %+v", snap.Usages)
	}
	if snap.Orders[0].CouponCode != "SAVE10" {
		t.Fatalf("expected coupon code on order, got %q", snap.Orders[0].CouponCode)
	}

	_, err = fx.svc.CreateOrder(context.Background(), cmd)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "applied_coupon.code" {
		t.Fatalf("expected usage limit validation error, got %v", err)
	}
	if got := store.Snapshot().Products[1].StockQuantity; got != 9 {
		t.Fatalf("expected rejected second order to roll back stock, got %d", got)
	}
}

func TestCheckoutServiceCreateOrderMatchesCouponCodeIgnoringCase(t *testing.T) {
	store := seededStore(t)
	store.SeedCoupon(domain.Coupon{
		ID:            9,
		Code:          "spring5",
		DiscountType:  domain.DiscountTypeFixed,
		DiscountValue: dec("100"),
		Active:        true,
	})
	fx := newCheckoutFixture(t, store, nil)

	cmd := validOrderCommand()
	cmd.Coupon = &AppliedCoupon{Code: "Spring5", DiscountAmount: dec("100")}
	cmd.TotalAmount = dec("1650")

	result, err := fx.svc.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	decEqual(t, "discount", "100", result.Discount)

	snap := store.Snapshot()
	if len(snap.Usages) != 1 || snap.Usages[0].CouponID != 9 {
		t.Fatalf("expected one usage for coupon 9, got %+v", snap.Usages)
	}
	if snap.Orders[0].CouponCode != "spring5" {
		t.Fatalf("expected stored coupon code on order, got %q", snap.Orders[0].CouponCode)
	}
}

func TestCheckoutServiceCreateOrderCouponRejections(t *testing.T) {
	expired := testNow.Add(-1)
	cases := []struct {
		name   string
		coupon *domain.Coupon
		apply  AppliedCoupon
		field  string
		target error
	}{
		{
			name:   "unknown",
			apply:  AppliedCoupon{Code: "NOPE"},
			target: ErrNotFound,
		},
		{
			name:   "inactive",
			coupon: &domain.Coupon{ID: 1, Code: "OFF", DiscountType: domain.DiscountTypeFixed, DiscountValue: dec("100")},
			apply:  AppliedCoupon{Code: "OFF", DiscountAmount: dec("100")},
			field:  "applied_coupon.code",
			target: ErrValidation,
		},
		{
			name:   "expired",
			coupon: &domain.Coupon{ID: 1, Code: "OFF", DiscountType: domain.DiscountTypeFixed, DiscountValue: dec("100"), Active: true, ExpiresAt: &expired},
			apply:  AppliedCoupon{Code: "OFF", DiscountAmount: dec("100")},
			field:  "applied_coupon.code",
			target: ErrValidation,
		},
		{
			name:   "below minimum",
			coupon: &domain.Coupon{ID: 1, Code: "OFF", DiscountType: domain.DiscountTypeFixed, DiscountValue: dec("100"), Active: true, MinOrderAmount: dec("2000")},
			apply:  AppliedCoupon{Code: "OFF", DiscountAmount: dec("100")},
			field:  "applied_coupon.code",
			target: ErrValidation,
		},
		{
			name:   "discount mismatch",
			coupon: &domain.Coupon{ID: 1, Code: "OFF", DiscountType: domain.DiscountTypeFixed, DiscountValue: dec("100"), Active: true},
			apply:  AppliedCoupon{Code: "OFF", DiscountAmount: dec("300")},
			field:  "applied_coupon.discount_amount",
			target: ErrValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := seededStore(t)
			if tc.coupon != nil {
				store.SeedCoupon(*tc.coupon)
			}
			fx := newCheckoutFixture(t, store, nil)
			cmd := validOrderCommand()
			apply := tc.apply
			cmd.Coupon = &apply
			cmd.TotalAmount = dec("1650")

			_, err := fx.svc.CreateOrder(context.Background(), cmd)
			if !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, err)
			}
			var verr *ValidationError
			if tc.field != "" && (!errors.As(err, &verr) || verr.Field != tc.field) {
				t.Fatalf("expected field %s, got %v", tc.field, err)
			}
			assertNothingWritten(t, store)
		})
	}
}

func TestCheckoutServiceCreateOrderRollsBackOnCouponWriteFailure(t *testing.T) {
	store := seededStore(t)
	store.SeedCoupon(domain.Coupon{ID: 3, Code: "FLAT", DiscountType: domain.DiscountTypeFixed, DiscountValue: dec("100"), Active: true})
	store.InjectFault("coupons.record_usage", errors.New("disk full"))
	fx := newCheckoutFixture(t, store, nil)

	cmd := validOrderCommand()
	cmd.Coupon = &AppliedCoupon{Code: "FLAT", DiscountAmount: dec("100")}
	cmd.TotalAmount = dec("1650")

	_, err := fx.svc.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	assertNothingWritten(t, store)
	if !fx.logger.has("checkout.order.failed") {
		t.Fatalf("expected persistence failure to be logged")
	}
}

func TestCheckoutServiceCreateOrderNeverOversells(t *testing.T) {
	store := memory.NewStore()
	store.SeedProduct(domain.Product{ID: 5, Name: "Limited", Price: dec("100"), StockQuantity: 5})
	fx := newCheckoutFixture(t, store, nil)

	const buyers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd := validOrderCommand()
			cmd.Items = []CartItem{{ProductID: 5, Quantity: 1, Price: dec("100")}}
			cmd.TotalAmount = dec("350")
			_, err := fx.svc.CreateOrder(context.Background(), cmd)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	if successes != 5 {
		t.Fatalf("expected 5 successful orders, got %d", successes)
	}
	for _, err := range failures {
		if !errors.Is(err, ErrInsufficientStock) {
			t.Fatalf("expected insufficient stock failures, got %v", err)
		}
	}
	snap := store.Snapshot()
	if snap.Products[5].StockQuantity != 0 {
		t.Fatalf("expected stock 0, got %d", snap.Products[5].StockQuantity)
	}
	if len(snap.Orders) != 5 {
		t.Fatalf("expected 5 orders, got %d", len(snap.Orders))
	}
	seen := map[string]bool{}
	for _, order := range snap.Orders {
		if seen[order.OrderNumber] || !strings.HasPrefix(order.OrderNumber, "ORD-2025-") {
			t.Fatalf("unexpected order number %s", order.OrderNumber)
		}
		seen[order.OrderNumber] = true
	}
}

func TestCheckoutServiceCreateOrderRejectsDuplicateLinesThatOverflow(t *testing.T) {
	fx := newCheckoutFixture(t, seededStore(t), nil)
	cmd := validOrderCommand()
	cmd.Items = []CartItem{
		{ProductID: 1, Name: "Widget", Quantity: math.MaxInt, Price: dec("1000")},
		{ProductID: 1, Name: "Widget", Quantity: math.MaxInt, Price: dec("1000")},
	}

	_, err := fx.svc.CreateOrder(context.Background(), cmd)
	var validation *ValidationError
	if !errors.As(err, &validation) || !strings.HasPrefix(validation.Field, "cart_items") {
		t.Fatalf("expected cart quantity validation error, got %v", err)
	}
	assertNothingWritten(t, fx.store)

	cmd.Items = []CartItem{
		{ProductID: 1, Name: "Widget", Quantity: MaxLineQuantity, Price: dec("1000")},
		{ProductID: 1, Name: "Widget", Quantity: MaxLineQuantity, Price: dec("1000")},
	}
	if _, err := fx.svc.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected per-product total to be rejected, got %v", err)
	}
	assertNothingWritten(t, fx.store)
}
