// Package messaging defines the contract between qrelay and a remote queue service.
//
// A Transport dials a fresh Conn for every operation. From a Conn callers open
// a Sender or a Receiver bound to one queue. Every handle must be closed by the
// caller, inner handles before the Conn that produced them:
//
//	conn, err := transport.Dial(ctx)
//	if err != nil {
//		return err
//	}
//	defer conn.Close(ctx)
//
//	sender, err := conn.NewSender(ctx, "orders")
//	if err != nil {
//		return err
//	}
//	defer sender.Close(ctx)
//
//	return sender.Send(ctx, messaging.NewMessage(body))
//
// Transports report failures as *TransportError so callers can classify them
// with KindOf without knowing which queue service is in use.
package messaging
