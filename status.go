package syncrec

// The status publisher broadcasts JSON-encoded state messages so monitoring
// clients can follow an acquisition without touching the recorder.

import (
	"encoding/json"
	"fmt"
	"log"

	zmq "github.com/pebbe/zmq4"
)

// statusUpdate carries one message to be published on the status port.
type statusUpdate struct {
	tag     string
	message []byte
}

// StatusPublisher owns a ZMQ PUB socket and forwards updates to it. Publish
// never blocks the acquisition path; updates that cannot be serialized are
// logged and dropped.
type StatusPublisher struct {
	messages chan statusUpdate
}

// NewStatusPublisher binds the PUB socket on the given port and starts the
// forwarding loop.
func NewStatusPublisher(port int) (*StatusPublisher, error) {
	sock, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	if err := sock.Bind(fmt.Sprintf("tcp://*:%d", port)); err != nil {
		sock.Close()
		return nil, err
	}
	sp := &StatusPublisher{messages: make(chan statusUpdate, 16)}
	go sp.run(sock)
	return sp, nil
}

func (sp *StatusPublisher) run(sock *zmq.Socket) {
	defer sock.Close()
	for update := range sp.messages {
		if _, err := sock.Send(update.tag, zmq.SNDMORE); err != nil {
			continue
		}
		sock.SendBytes(update.message, 0)
	}
}

// Publish encodes msg as JSON and queues it under the given topic tag.
func (sp *StatusPublisher) Publish(tag string, msg interface{}) {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("could not encode status update %q: %s", tag, err)
		return
	}
	select {
	case sp.messages <- statusUpdate{tag: tag, message: b}:
	default:
		// A stalled subscriber must not stall recording.
	}
}

// Close stops the forwarding loop and releases the socket.
func (sp *StatusPublisher) Close() {
	close(sp.messages)
}
