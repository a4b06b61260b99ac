// Package local implements an in-process transport.
//
// A Transport owns one Channel. Conduits write packets onto it and a pool
// of dispatcher workers accepts them and hands each to the Destination
// registered for the packet address. A send hook can drop or fail packets,
// which makes the transport suitable for exercising reliable delivery.
//
//	t := local.NewTransport(local.WithWorkers(2))
//	t.Start(ctx)
//	defer t.Close()
//
//	dest, _ := t.Destination("local://orders")
//	dest.SetObserver(endpoint)
//	conduit, _ := t.Conduit("local://orders")
package local
