package apn

import (
	"encoding/binary"
	"encoding/json"
)

// Legacy binary-interface commands. The provider channel sends enhanced
// notifications (command 1) and receives error frames (command 8). Successful
// notifications get no response at all.
const (
	commandEnhanced uint8 = 1
	commandError    uint8 = 8
)

// Fixed frame sizes for the two inbound channels.
const (
	errorFrameLength    = 6  // command, status, identifier
	feedbackFrameLength = 38 // timestamp, token length, token
)

const (
	tokenLength        = 32
	notificationHeader = 1 + 4 + 4 + 2 + tokenLength + 2 // bytes before the payload
)

// Error statuses reported by the gateway.
const (
	statusNone               uint8 = 0
	statusProcessingError    uint8 = 1
	statusMissingToken       uint8 = 2
	statusMissingTopic       uint8 = 3
	statusMissingPayload     uint8 = 4
	statusInvalidTokenSize   uint8 = 5
	statusInvalidTopicSize   uint8 = 6
	statusInvalidPayloadSize uint8 = 7
	statusInvalidToken       uint8 = 8
	statusUnknown            uint8 = 255 // documented but never observed from a live gateway
)

var statusDescriptions = map[uint8]string{
	statusNone:               "no errors encountered",
	statusProcessingError:    "processing error",
	statusMissingToken:       "missing device token",
	statusMissingTopic:       "missing topic",
	statusMissingPayload:     "missing payload",
	statusInvalidTokenSize:   "invalid token size",
	statusInvalidTopicSize:   "invalid topic size",
	statusInvalidPayloadSize: "invalid payload size",
	statusInvalidToken:       "invalid token",
	statusUnknown:            "none (unknown)",
}

func statusDescription(status uint8) string {
	if desc, ok := statusDescriptions[status]; ok {
		return desc
	}
	return "unrecognized status code"
}

// tokenRemovalStatus reports whether the status means the device token is
// permanently dead and its subscriptions should be deleted.
func tokenRemovalStatus(status uint8) bool {
	return status == statusInvalidTokenSize || status == statusInvalidToken
}

// encodeNotification builds an enhanced-format notification frame:
// command, identifier, expiry (always 0), token length, token, payload
// length, JSON payload. All integers big-endian.
func encodeNotification(identifier uint32, binaryToken []byte, key string) ([]byte, error) {
	payload, err := json.Marshal(struct {
		Key string `json:"key"`
	}{Key: key})
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 0, notificationHeader+len(payload))
	frame = append(frame, commandEnhanced)
	frame = binary.BigEndian.AppendUint32(frame, identifier)
	frame = binary.BigEndian.AppendUint32(frame, 0) // expiry: deliver now or drop
	frame = binary.BigEndian.AppendUint16(frame, tokenLength)
	frame = append(frame, binaryToken...)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	return frame, nil
}

// frameBuffer reassembles fixed-size frames from a byte stream. The gateway
// gives no alignment guarantees: a frame may arrive split across reads, and
// one read may carry several frames.
type frameBuffer struct {
	size int
	buf  []byte
}

func newFrameBuffer(size int) *frameBuffer {
	return &frameBuffer{size: size}
}

// feed appends data and emits each complete frame in arrival order. Partial
// trailing bytes stay buffered for the next feed.
func (b *frameBuffer) feed(data []byte, emit func(frame []byte)) {
	b.buf = append(b.buf, data...)
	for len(b.buf) >= b.size {
		frame := b.buf[:b.size:b.size]
		b.buf = b.buf[b.size:]
		emit(frame)
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
}

// buffered returns how many bytes are waiting for the rest of their frame.
func (b *frameBuffer) buffered() int { return len(b.buf) }
