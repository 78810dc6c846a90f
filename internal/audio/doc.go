// Package audio is the consumer side of the pipeline: a bounded PCM/marker
// queue feeding a single playback goroutine that owns the device handle
// exclusively, plus the oto/v3-backed sink it writes to. It implements the
// protection-window discipline that lets a mid-sentence offline-to-online
// upgrade finish seamlessly instead of clicking or restarting.
package audio
