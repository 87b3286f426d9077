package receiver

import "errors"

// Error kinds the pipeline distinguishes. Per-record errors never poison a
// delivery; transient store errors cause the delivery to be requeued; bulk
// write errors are logged and the delivery is still acked.
var (
	// ErrMalformedDelivery marks a broker message whose body is not a JSON
	// list of records. The delivery is acked and dropped.
	ErrMalformedDelivery = errors.New("malformed delivery")

	// ErrMalformedRecord marks a record with missing or ill-typed fields, an
	// unknown type, a non-divisible interval, or an unpackable cell count.
	// The record is skipped, the delivery kept.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrUnknownEventField marks an event whose affected set names a meta
	// field the schema registry has never seen for the type.
	ErrUnknownEventField = errors.New("unknown event affected field")

	// ErrTransientStore marks a store failure worth retrying, such as a
	// dropped connection mid-operation. The delivery is rejected with
	// requeue instead of acked.
	ErrTransientStore = errors.New("transient store failure")
)
