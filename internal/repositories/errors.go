package repositories

// InventoryErrorCode says why a stock adjustment was refused.
type InventoryErrorCode string

const (
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	InventoryErrorProductNotFound   InventoryErrorCode = "inventory_product_not_found"
	InventoryErrorInvalidQuantity   InventoryErrorCode = "inventory_invalid_quantity"
)

// InventoryError is returned by ProductRepository stock adjustments. Services translate
// InventoryErrorInsufficientStock into a stock validation failure for the affected line.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	ProductID int64
	Message   string
	Err       error
}

// NewInventoryError builds an InventoryError; an empty message falls back to the code.
func NewInventoryError(code InventoryErrorCode, message string, err error) *InventoryError {
	return &InventoryError{Code: code, Message: message, Err: err}
}

func (e *InventoryError) Error() string { return describe(e.Op, string(e.Code), e.Message) }

func (e *InventoryError) Unwrap() error { return e.Err }

// CounterErrorCode says why a sequence could not be advanced.
type CounterErrorCode string

const (
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted means the next value would pass CounterConfig.MaxValue.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError is returned by CounterRepository.Next.
type CounterError struct {
	Op      string
	Code    CounterErrorCode
	Message string
	Err     error
}

// NewCounterError builds a CounterError; an empty message falls back to the code.
func NewCounterError(code CounterErrorCode, message string, err error) *CounterError {
	return &CounterError{Code: code, Message: message, Err: err}
}

func (e *CounterError) Error() string { return describe(e.Op, string(e.Code), e.Message) }

func (e *CounterError) Unwrap() error { return e.Err }

func describe(op, code, message string) string {
	if message == "" {
		message = code
	}
	if op == "" {
		return message
	}
	return op + ": " + message
}
