package ttypes

// QueueItem is one of three variants pushed onto the audio player's queue
// (spec §3 "Queue item"). Exactly one of Pcm, Marker, EOS is non-nil.
type QueueItem struct {
	Session Session

	Pcm    *PcmItem
	Marker *MarkerItem
	EOS    *EOSItem
}

// PcmItem carries a chunk of synthesized samples for one sentence.
type PcmItem struct {
	Samples        []int16
	SampleRate     int
	Source         Source
	SentenceIndex  int
	PredictedTotal int64 // optional hint from the producer, 0 if unknown
}

// MarkerItem brackets a sentence's PCM with a start/end event. OnReached, if
// non-nil, is invoked by the audio consumer once the marker is dequeued and
// (for SentenceEnd after write-through) has taken effect.
type MarkerItem struct {
	SentenceIndex int
	Kind          MarkerKind
	Source        Source
	OnReached     func()
}

// EOSItem signals that the synthesis loop has nothing further to enqueue for
// this session. OnDrained fires once the sink has actually finished playing
// everything written before this item (the EOS barrier, spec §4.E).
type EOSItem struct {
	OnDrained func()
}

// PcmQueueItem builds a PCM queue item.
func PcmQueueItem(session Session, samples []int16, sampleRate int, source Source, sentenceIndex int) QueueItem {
	return QueueItem{Session: session, Pcm: &PcmItem{
		Samples: samples, SampleRate: sampleRate, Source: source, SentenceIndex: sentenceIndex,
	}}
}

// MarkerQueueItem builds a marker queue item.
func MarkerQueueItem(session Session, sentenceIndex int, kind MarkerKind, source Source, onReached func()) QueueItem {
	return QueueItem{Session: session, Marker: &MarkerItem{
		SentenceIndex: sentenceIndex, Kind: kind, Source: source, OnReached: onReached,
	}}
}

// EOSQueueItem builds an end-of-stream queue item.
func EOSQueueItem(session Session, onDrained func()) QueueItem {
	return QueueItem{Session: session, EOS: &EOSItem{OnDrained: onDrained}}
}
