// Package channel keeps the live WebSocket channels between the dashboard
// and paired devices.
//
// A Registry holds at most one socket per channel id:
//
//	Open(id) ──▶ connected entry? ──yes──▶ return it unchanged
//	                  │ no
//	                  ▼
//	     discard old entry, NormalizeURL, dial
//	     disconnected ─▶ connecting ─▶ connected | error
//
// Inbound text messages are kept as the channel's last message. Binary
// frames on binary channels are held by a FrameStore (HandleAllocator);
// each new frame releases the previous handle before it is installed.
//
// State changes are persisted to the owning module (channel_modules)
// through a Coalescer, which writes only the last state seen in each
// debounce window. A channel whose socket closes abnormally while its
// module is enabled gets exactly one reconnect attempt after
// Options.ReconnectDelay.
package channel
