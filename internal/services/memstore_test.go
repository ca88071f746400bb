package services

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront-shop/api/internal/domain"
	"github.com/storefront-shop/api/internal/repositories"
)

// repoErr is the categorised error the in-memory repositories return.
type repoErr struct {
	msg      string
	notFound bool
	conflict bool
}

func (e *repoErr) Error() string       { return e.msg }
func (e *repoErr) IsNotFound() bool    { return e.notFound }
func (e *repoErr) IsConflict() bool    { return e.conflict }
func (e *repoErr) IsUnavailable() bool { return false }

func notFound(format string, args ...any) error {
	return &repoErr{msg: fmt.Sprintf(format, args...), notFound: true}
}

func conflict(format string, args ...any) error {
	return &repoErr{msg: fmt.Sprintf(format, args...), conflict: true}
}

type memState struct {
	products  map[int64]domain.Product
	addresses map[int64]domain.Address
	carts     map[int64]domain.Cart
	orders    map[int64]domain.Order
	counters  map[string]int64
	nextID    int64
}

func (s memState) clone() memState {
	out := memState{
		products:  maps.Clone(s.products),
		addresses: maps.Clone(s.addresses),
		carts:     make(map[int64]domain.Cart, len(s.carts)),
		orders:    make(map[int64]domain.Order, len(s.orders)),
		counters:  maps.Clone(s.counters),
		nextID:    s.nextID,
	}
	for k, cart := range s.carts {
		cart.Items = slices.Clone(cart.Items)
		out.carts[k] = cart
	}
	for k, order := range s.orders {
		order.Items = slices.Clone(order.Items)
		out.orders[k] = order
	}
	return out
}

// memStore implements every repository the services need. Transactions are serialised and roll back
// by restoring a snapshot, which mirrors the row locks the MySQL repositories take.
type memStore struct {
	txMu  sync.Mutex
	mu    sync.Mutex
	state memState

	insertHook    func(domain.Order) error
	decrementHook func(productID int64) error
	txCount       int
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		products:  map[int64]domain.Product{},
		addresses: map[int64]domain.Address{},
		carts:     map[int64]domain.Cart{},
		orders:    map[int64]domain.Order{},
		counters:  map[string]int64{},
		nextID:    1000,
	}}
}

func (s *memStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.state.clone()
	s.txCount++
	s.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			s.restore(snapshot)
			panic(p)
		}
		if err != nil {
			s.restore(snapshot)
		}
	}()
	return fn(ctx)
}

func (s *memStore) restore(snapshot memState) {
	s.mu.Lock()
	s.state = snapshot
	s.mu.Unlock()
}

func (s *memStore) id() int64 {
	s.state.nextID++
	return s.state.nextID
}

// fixtures -----------------------------------------------------------------------

func (s *memStore) addProduct(p domain.Product) domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.state.products[p.ID] = p
	return p
}

func (s *memStore) addAddress(a domain.Address) domain.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.id()
	}
	s.state.addresses[a.ID] = a
	return a
}

func (s *memStore) putCartItem(userID, productID int64, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, ok := s.state.carts[userID]
	if !ok {
		cart = domain.Cart{ID: s.id(), UserID: userID}
	}
	product := s.state.products[productID]
	cart.Items = append(cart.Items, domain.CartItem{
		ID:         s.id(),
		CartID:     cart.ID,
		ProductID:  productID,
		Quantity:   qty,
		PriceAtAdd: product.Price,
	})
	cart.Recalculate()
	s.state.carts[userID] = cart
}

func (s *memStore) putOrder(o domain.Order) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == 0 {
		o.ID = s.id()
	}
	for i := range o.Items {
		if o.Items[i].ID == 0 {
			o.Items[i].ID = s.id()
		}
		o.Items[i].OrderID = o.ID
	}
	s.state.orders[o.ID] = o
	return o
}

func (s *memStore) product(id int64) domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.products[id]
}

func (s *memStore) order(id int64) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.orders[id]
}

func (s *memStore) cart(userID int64) domain.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.carts[userID]
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.orders)
}

func (s *memStore) productRepo() repositories.ProductRepository { return memProducts{s} }
func (s *memStore) addressRepo() repositories.AddressRepository { return memAddresses{s} }
func (s *memStore) cartRepo() repositories.CartRepository       { return memCarts{s} }
func (s *memStore) orderRepo() repositories.OrderRepository     { return memOrders{s} }
func (s *memStore) counterRepo() repositories.CounterRepository { return memCounters{s} }

// products -----------------------------------------------------------------------

type memProducts struct{ s *memStore }

func (r memProducts) FindByID(_ context.Context, id int64) (domain.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.state.products[id]
	if !ok {
		return domain.Product{}, notFound("product %d not found", id)
	}
	return p, nil
}

func (r memProducts) LockByIDs(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := r.s.state.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (r memProducts) DecrementStock(_ context.Context, id int64, qty int) error {
	if r.s.decrementHook != nil {
		if err := r.s.decrementHook(id); err != nil {
			return err
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.state.products[id]
	if !ok {
		return repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, "missing", nil)
	}
	if p.StockQuantity < qty {
		return repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, "insufficient", nil)
	}
	p.StockQuantity -= qty
	r.s.state.products[id] = p
	return nil
}

func (r memProducts) IncrementStock(_ context.Context, id int64, qty int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.state.products[id]
	if !ok {
		return repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, "missing", nil)
	}
	p.StockQuantity += qty
	r.s.state.products[id] = p
	return nil
}

// addresses ----------------------------------------------------------------------

type memAddresses struct{ s *memStore }

func (r memAddresses) FindForUser(_ context.Context, userID, addressID int64) (domain.Address, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.state.addresses[addressID]
	if !ok || a.UserID != userID {
		return domain.Address{}, notFound("address %d not found", addressID)
	}
	return a, nil
}

// carts --------------------------------------------------------------------------

type memCarts struct{ s *memStore }

func (r memCarts) hydrate(cart domain.Cart) domain.Cart {
	cart.Items = slices.Clone(cart.Items)
	for i := range cart.Items {
		if p, ok := r.s.state.products[cart.Items[i].ProductID]; ok {
			p := p
			cart.Items[i].Product = &p
		}
	}
	return cart
}

func (r memCarts) GetOrCreate(_ context.Context, userID int64) (domain.Cart, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cart, ok := r.s.state.carts[userID]
	if !ok {
		cart = domain.Cart{ID: r.s.id(), UserID: userID, Subtotal: decimal.Zero}
		r.s.state.carts[userID] = cart
	}
	return r.hydrate(cart), nil
}

func (r memCarts) LockByUser(_ context.Context, userID int64) (domain.Cart, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cart, ok := r.s.state.carts[userID]
	if !ok {
		return domain.Cart{}, notFound("cart for user %d not found", userID)
	}
	return r.hydrate(cart), nil
}

func (r memCarts) byID(cartID int64) (int64, domain.Cart, bool) {
	for userID, cart := range r.s.state.carts {
		if cart.ID == cartID {
			return userID, cart, true
		}
	}
	return 0, domain.Cart{}, false
}

func (r memCarts) InsertItem(_ context.Context, item domain.CartItem) (domain.CartItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	userID, cart, ok := r.byID(item.CartID)
	if !ok {
		return domain.CartItem{}, notFound("cart %d not found", item.CartID)
	}
	for _, existing := range cart.Items {
		if existing.ProductID == item.ProductID {
			return domain.CartItem{}, conflict("duplicate cart item")
		}
	}
	item.ID = r.s.id()
	item.Product = nil
	cart.Items = append(slices.Clone(cart.Items), item)
	r.s.state.carts[userID] = cart
	return item, nil
}

func (r memCarts) UpdateItemQuantity(_ context.Context, cartID, itemID int64, qty int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	userID, cart, ok := r.byID(cartID)
	if !ok {
		return notFound("cart %d not found", cartID)
	}
	cart.Items = slices.Clone(cart.Items)
	for i := range cart.Items {
		if cart.Items[i].ID == itemID {
			cart.Items[i].Quantity = qty
			r.s.state.carts[userID] = cart
			return nil
		}
	}
	return notFound("cart item %d not found", itemID)
}

func (r memCarts) DeleteItem(_ context.Context, cartID, itemID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	userID, cart, ok := r.byID(cartID)
	if !ok {
		return notFound("cart %d not found", cartID)
	}
	before := len(cart.Items)
	cart.Items = slices.DeleteFunc(slices.Clone(cart.Items), func(i domain.CartItem) bool { return i.ID == itemID })
	if len(cart.Items) == before {
		return notFound("cart item %d not found", itemID)
	}
	r.s.state.carts[userID] = cart
	return nil
}

func (r memCarts) ClearItems(_ context.Context, cartID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	userID, cart, ok := r.byID(cartID)
	if !ok {
		return notFound("cart %d not found", cartID)
	}
	cart.Items = nil
	r.s.state.carts[userID] = cart
	return nil
}

func (r memCarts) SaveTotals(_ context.Context, cartID int64, totalItems int, subtotal decimal.Decimal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	userID, cart, ok := r.byID(cartID)
	if !ok {
		return notFound("cart %d not found", cartID)
	}
	cart.TotalItems = totalItems
	cart.Subtotal = subtotal
	r.s.state.carts[userID] = cart
	return nil
}

// orders -------------------------------------------------------------------------

type memOrders struct{ s *memStore }

func (r memOrders) Insert(_ context.Context, order domain.Order) (domain.Order, error) {
	if r.s.insertHook != nil {
		if err := r.s.insertHook(order); err != nil {
			return domain.Order{}, err
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.state.orders {
		if existing.OrderNumber == order.OrderNumber {
			return domain.Order{}, conflict("duplicate order number %s", order.OrderNumber)
		}
	}
	order.ID = r.s.id()
	order.Items = slices.Clone(order.Items)
	for i := range order.Items {
		order.Items[i].ID = r.s.id()
		order.Items[i].OrderID = order.ID
	}
	r.s.state.orders[order.ID] = order
	return order, nil
}

func (r memOrders) get(id int64) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.state.orders[id]
	if !ok {
		return domain.Order{}, notFound("order %d not found", id)
	}
	o.Items = slices.Clone(o.Items)
	return o, nil
}

func (r memOrders) FindByID(_ context.Context, id int64) (domain.Order, error) { return r.get(id) }
func (r memOrders) LockByID(_ context.Context, id int64) (domain.Order, error) { return r.get(id) }

func (r memOrders) FindByPaymentIntent(_ context.Context, intentID string) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.state.orders {
		if o.PaymentIntentID == intentID {
			o.Items = slices.Clone(o.Items)
			return o, nil
		}
	}
	return domain.Order{}, notFound("no order for intent %s", intentID)
}

func (r memOrders) List(_ context.Context, f repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var matched []domain.Order
	for _, o := range r.s.state.orders {
		if f.UserID != nil && o.UserID != *f.UserID {
			continue
		}
		if f.SellerID != nil && !o.HasSeller(*f.SellerID) {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.PaymentStatus != "" && o.PaymentStatus != f.PaymentStatus {
			continue
		}
		matched = append(matched, o)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	start := min((page-1)*limit, len(matched))
	end := min(start+limit, len(matched))
	return domain.Page[domain.Order]{Items: matched[start:end], Total: len(matched), Page: page, Limit: limit}, nil
}

func (r memOrders) LatestOrderNumber(_ context.Context, prefix string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	latest := ""
	for _, o := range r.s.state.orders {
		if strings.HasPrefix(o.OrderNumber, prefix) && o.OrderNumber > latest {
			latest = o.OrderNumber
		}
	}
	return latest, nil
}

func (r memOrders) mutate(id int64, fn func(*domain.Order) bool) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.state.orders[id]
	if !ok {
		return false, nil
	}
	o.Items = slices.Clone(o.Items)
	if !fn(&o) {
		return false, nil
	}
	r.s.state.orders[id] = o
	return true, nil
}

func (r memOrders) UpdateStatus(_ context.Context, u repositories.OrderStatusUpdate) (bool, error) {
	return r.mutate(u.OrderID, func(o *domain.Order) bool {
		if o.Status != u.From {
			return false
		}
		o.Status = u.To
		if u.DeliveredAt != nil && o.DeliveredAt == nil {
			o.DeliveredAt = u.DeliveredAt
		}
		o.UpdatedAt = u.UpdatedAt
		return true
	})
}

func (r memOrders) UpdateShipping(_ context.Context, u repositories.OrderShippingUpdate) error {
	ok, _ := r.mutate(u.OrderID, func(o *domain.Order) bool {
		if u.TrackingNumber != nil {
			o.TrackingNumber = *u.TrackingNumber
		}
		if u.ShippingCarrier != nil {
			o.ShippingCarrier = *u.ShippingCarrier
		}
		if u.EstimatedDelivery != nil {
			o.EstimatedDelivery = u.EstimatedDelivery
		}
		o.UpdatedAt = u.UpdatedAt
		return true
	})
	if !ok {
		return notFound("order %d not found", u.OrderID)
	}
	return nil
}

func (r memOrders) UpdateItemStatus(_ context.Context, orderID, itemID int64, status domain.OrderItemStatus, at time.Time) error {
	ok, _ := r.mutate(orderID, func(o *domain.Order) bool {
		for i := range o.Items {
			if o.Items[i].ID == itemID {
				o.Items[i].Status = status
				o.Items[i].UpdatedAt = at
				return true
			}
		}
		return false
	})
	if !ok {
		return notFound("order item %d not found", itemID)
	}
	return nil
}

func (r memOrders) AttachPaymentIntent(_ context.Context, orderID int64, intentID string, at time.Time) (bool, error) {
	return r.mutate(orderID, func(o *domain.Order) bool {
		if o.Status != domain.OrderStatusPending || o.PaymentStatus != domain.PaymentStatusPending {
			return false
		}
		o.PaymentIntentID = intentID
		o.UpdatedAt = at
		return true
	})
}

func (r memOrders) MarkPaid(_ context.Context, orderID int64, paidAt time.Time) (bool, error) {
	return r.mutate(orderID, func(o *domain.Order) bool {
		if o.PaymentStatus.Settled() {
			return false
		}
		o.PaymentStatus = domain.PaymentStatusPaid
		if o.PaidAt == nil {
			o.PaidAt = &paidAt
		}
		if o.Status == domain.OrderStatusPending {
			o.Status = domain.OrderStatusConfirmed
		}
		o.UpdatedAt = paidAt
		return true
	})
}

func (r memOrders) MarkPaymentStatus(_ context.Context, orderID int64, status domain.PaymentStatus, at time.Time) (bool, error) {
	return r.mutate(orderID, func(o *domain.Order) bool {
		if o.PaymentStatus.Settled() || o.PaymentStatus == status {
			return false
		}
		o.PaymentStatus = status
		o.UpdatedAt = at
		return true
	})
}

func (r memOrders) MarkRefunded(_ context.Context, orderID int64, at time.Time) (bool, error) {
	return r.mutate(orderID, func(o *domain.Order) bool {
		keep := o.Status == domain.OrderStatusRefunded || o.Status == domain.OrderStatusCancelled
		if keep && o.PaymentStatus == domain.PaymentStatusRefunded {
			return false
		}
		if !keep {
			o.Status = domain.OrderStatusRefunded
		}
		o.PaymentStatus = domain.PaymentStatusRefunded
		o.UpdatedAt = at
		return true
	})
}

// counters -----------------------------------------------------------------------

type memCounters struct{ s *memStore }

func (r memCounters) Next(_ context.Context, counterID string, cfg repositories.CounterConfig) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	step := cfg.Step
	if step == 0 {
		step = 1
	}
	value := max(r.s.state.counters[counterID], cfg.Floor) + step
	if cfg.MaxValue != nil && value > *cfg.MaxValue {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, "exhausted", nil)
	}
	r.s.state.counters[counterID] = value
	return value, nil
}

// events -------------------------------------------------------------------------

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}
