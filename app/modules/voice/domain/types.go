package voicedomain

// Direction is the media direction of a transport relative to the client.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// MediaKind distinguishes audio and video producers.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// CodecCapability names one codec a peer or router can handle. Matching is
// by MIME type and clock rate (and channel count for audio).
type CodecCapability struct {
	MimeType  string `json:"mime_type"`
	ClockRate uint32 `json:"clock_rate"`
	Channels  uint16 `json:"channels,omitempty"`
}

// RTPCapabilities is the codec set a receiving client offers when consuming.
type RTPCapabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

// RTPParameters describes a producer's outgoing media.
type RTPParameters struct {
	Codecs []CodecCapability `json:"codecs"`
}

// DTLSFingerprint is one certificate fingerprint from the DTLS handshake.
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// TransportInfo is what the client needs to complete a transport: the
// server's SDP offer (vanilla ICE, candidates already gathered) and the DTLS
// fingerprints of the server certificate.
type TransportInfo struct {
	ID               string            `json:"id"`
	Direction        Direction         `json:"direction"`
	OfferSDP         string            `json:"offer_sdp"`
	DTLSFingerprints []DTLSFingerprint `json:"dtls_fingerprints"`
}

// ConnectParameters carries the client's answer, finalizing the transport's
// ICE/DTLS negotiation.
type ConnectParameters struct {
	AnswerSDP string `json:"answer_sdp"`
}

// ProducerInfo identifies one send-side media stream in a room.
type ProducerInfo struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id"`
	Kind   MediaKind `json:"kind"`
}

// ConsumerInfo identifies one receive-side handle. Consumers start paused so
// media cannot flow before the client has wired up its receiver.
type ConsumerInfo struct {
	ID         string    `json:"id"`
	ProducerID string    `json:"producer_id"`
	Kind       MediaKind `json:"kind"`
	Paused     bool      `json:"paused"`
}
