package voicedomain

import "errors"

var (
	// ErrEngineClosed is returned by every voice operation after the SFU
	// worker has died. The worker cannot self-heal; callers fail fast
	// instead of retrying.
	ErrEngineClosed = errors.New("voice engine closed")

	// ErrRoomNotFound is returned when the guild/channel has no live room.
	ErrRoomNotFound = errors.New("voice room not found")

	// ErrNotInVoice is returned when the user has no peer in the room.
	ErrNotInVoice = errors.New("not in a voice channel")

	// ErrTransportNotFound is returned for an unknown transport id.
	ErrTransportNotFound = errors.New("transport not found")

	// ErrProducerNotFound is returned for an unknown producer id.
	ErrProducerNotFound = errors.New("producer not found")

	// ErrConsumerNotFound is returned for an unknown consumer id.
	ErrConsumerNotFound = errors.New("consumer not found")

	// ErrCannotConsume is returned when the requested capabilities do not
	// intersect the producer's codec.
	ErrCannotConsume = errors.New("cannot consume producer")
)
