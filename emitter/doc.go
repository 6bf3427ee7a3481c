// Package emitter publishes a bounded sequence of synthetic order identifiers.
//
// An Emitter builds each order id from a base token and a zero-based index,
// hands it to a Sender as the raw message payload and pauses after every
// PauseEvery-th message. A run is synchronous on the caller's goroutine.
//
// Example usage:
//
//	em, err := emitter.New(publisher, emitter.DefaultConfig("order.exchange", "order.key"))
//	if err != nil {
//		return err
//	}
//	if err := em.Produce(ctx); err != nil {
//		return err
//	}
package emitter
