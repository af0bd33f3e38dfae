package zmqutil

import (
	"fmt"

	zmq4 "github.com/pebbe/zmq4"
)

// Message is one decoded `identity | 'C' | type | body` frame sequence.
type Message struct {
	Identity string
	Type     string
	Body     []byte
}

// DataFrame tags a payload frame on the data socket, distinct from the
// ctrl-socket ControlFrame, per spec.md §4.2's "['A', payload]".
const DataFrame = "A"

// SendPubData writes a PubSub data frame: topic (for XPUB/SUB prefix
// matching), then the 'A' tag, then payload.
func SendPubData(sock *zmq4.Socket, topic string, payload []byte) error {
	if _, err := sock.Send(topic, zmq4.SNDMORE); err != nil {
		return fmt.Errorf("zmqutil: send topic: %w", err)
	}
	if _, err := sock.Send(DataFrame, zmq4.SNDMORE); err != nil {
		return fmt.Errorf("zmqutil: send data frame: %w", err)
	}
	if _, err := sock.SendBytes(payload, 0); err != nil {
		return fmt.Errorf("zmqutil: send payload: %w", err)
	}
	return nil
}

// RecvPubData reads a PubSub data frame sequence off a connected SUB
// socket: topic, 'A', payload.
func RecvPubData(sock *zmq4.Socket) (topic string, payload []byte, err error) {
	topic, err = sock.Recv(0)
	if err != nil {
		return "", nil, fmt.Errorf("zmqutil: recv topic: %w", err)
	}
	if _, err = sock.Recv(0); err != nil {
		return "", nil, fmt.Errorf("zmqutil: recv data frame: %w", err)
	}
	payload, err = sock.RecvBytes(0)
	if err != nil {
		return "", nil, fmt.Errorf("zmqutil: recv payload: %w", err)
	}
	return topic, payload, nil
}

// SendPipelineData writes a Pipeline data frame: 'A' tag, then payload, no
// topic frame (PUSH/PULL has no subscription filtering).
func SendPipelineData(sock *zmq4.Socket, payload []byte) error {
	if _, err := sock.Send(DataFrame, zmq4.SNDMORE); err != nil {
		return fmt.Errorf("zmqutil: send data frame: %w", err)
	}
	if _, err := sock.SendBytes(payload, 0); err != nil {
		return fmt.Errorf("zmqutil: send payload: %w", err)
	}
	return nil
}

// RecvPipelineData reads a Pipeline data frame sequence off a connected
// PULL socket: 'A', payload.
func RecvPipelineData(sock *zmq4.Socket) (payload []byte, err error) {
	if _, err = sock.Recv(0); err != nil {
		return nil, fmt.Errorf("zmqutil: recv data frame: %w", err)
	}
	payload, err = sock.RecvBytes(0)
	if err != nil {
		return nil, fmt.Errorf("zmqutil: recv payload: %w", err)
	}
	return payload, nil
}

// SendTo sends a message to identity on a ROUTER socket: the ROUTER
// envelope frame, then the universal `C | type | body` control frames,
// per spec.md §4.4/§4.2.
func SendTo(sock *zmq4.Socket, identity, msgType string, body []byte) error {
	if _, err := sock.SendBytes([]byte(identity), zmq4.SNDMORE); err != nil {
		return fmt.Errorf("zmqutil: send identity: %w", err)
	}
	if _, err := sock.Send(ControlFrame, zmq4.SNDMORE); err != nil {
		return fmt.Errorf("zmqutil: send control frame: %w", err)
	}
	if _, err := sock.Send(msgType, zmq4.SNDMORE); err != nil {
		return fmt.Errorf("zmqutil: send type %q: %w", msgType, err)
	}
	if _, err := sock.SendBytes(body, 0); err != nil {
		return fmt.Errorf("zmqutil: send body: %w", err)
	}
	return nil
}

// Send writes the `C | type | body` frames without a leading identity
// frame, for DEALER sockets where the identity is implicit.
func Send(sock *zmq4.Socket, msgType string, body []byte) error {
	if _, err := sock.Send(ControlFrame, zmq4.SNDMORE); err != nil {
		return fmt.Errorf("zmqutil: send control frame: %w", err)
	}
	if _, err := sock.Send(msgType, zmq4.SNDMORE); err != nil {
		return fmt.Errorf("zmqutil: send type %q: %w", msgType, err)
	}
	if _, err := sock.SendBytes(body, 0); err != nil {
		return fmt.Errorf("zmqutil: send body: %w", err)
	}
	return nil
}

// RecvFrom reads one `identity | C | type | body` sequence off a ROUTER
// socket.
func RecvFrom(sock *zmq4.Socket) (Message, error) {
	identity, err := sock.Recv(0)
	if err != nil {
		return Message{}, fmt.Errorf("zmqutil: recv identity: %w", err)
	}
	if err := expectControlFrame(sock); err != nil {
		return Message{}, err
	}
	msgType, err := sock.Recv(0)
	if err != nil {
		return Message{}, fmt.Errorf("zmqutil: recv type: %w", err)
	}
	body, err := sock.RecvBytes(0)
	if err != nil {
		return Message{}, fmt.Errorf("zmqutil: recv body: %w", err)
	}
	return Message{Identity: identity, Type: msgType, Body: body}, nil
}

// Recv reads one `C | type | body` sequence off a DEALER/SUB socket with
// no leading identity frame.
func Recv(sock *zmq4.Socket) (Message, error) {
	if err := expectControlFrame(sock); err != nil {
		return Message{}, err
	}
	msgType, err := sock.Recv(0)
	if err != nil {
		return Message{}, fmt.Errorf("zmqutil: recv type: %w", err)
	}
	body, err := sock.RecvBytes(0)
	if err != nil {
		return Message{}, fmt.Errorf("zmqutil: recv body: %w", err)
	}
	return Message{Type: msgType, Body: body}, nil
}

func expectControlFrame(sock *zmq4.Socket) error {
	frame, err := sock.Recv(0)
	if err != nil {
		return fmt.Errorf("zmqutil: recv control frame: %w", err)
	}
	if frame != ControlFrame {
		return fmt.Errorf("zmqutil: expected control frame %q, got %q", ControlFrame, frame)
	}
	return nil
}
