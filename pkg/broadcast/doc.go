// Package broadcast provides type-safe one-to-many message delivery.
//
// Two implementations share the Broadcaster interface:
//
//   - MemoryBroadcaster fans out within one process.
//   - RedisBroadcaster fans out through a Redis pub/sub channel, so every
//     process subscribed to the channel sees every message.
//
// Delivery never blocks the sender: a subscriber whose buffer is full misses
// the message and stays subscribed.
//
// Basic usage:
//
//	events := broadcast.NewMemoryBroadcaster[queue.Event](256)
//	defer events.Close()
//
//	sub := events.Subscribe(ctx)
//	defer sub.Close()
//
//	_ = events.Broadcast(ctx, broadcast.Message[queue.Event]{Data: e})
//
//	for msg := range sub.Receive(ctx) {
//		fmt.Println(msg.Data.Type)
//	}
//
// A subscription ends when its context is cancelled, when it is closed, or
// when the broadcaster is closed; its channel is closed in every case.
package broadcast
