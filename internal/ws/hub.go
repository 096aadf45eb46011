package ws

import "sync"

// TopicAll receives every broadcast regardless of topic.
const TopicAll = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans out payloads to subscribers grouped by topic.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

// message couples payload with the topics it is published to.
type message struct {
	topics  []string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.topic]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.topic)
				}
			}
		case msg := <-h.broadcast:
			h.deliver(msg.topics, msg.payload)
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		}
	}
}

// deliver sends payload once to every subscriber of topics and of TopicAll.
func (h *Hub) deliver(topics []string, payload []byte) {
	sent := make(map[Subscriber]struct{})
	for _, topic := range append(topics, TopicAll) {
		clients, ok := h.clients[topic]
		if !ok {
			continue
		}
		for c := range clients {
			if _, dup := sent[c]; dup {
				continue
			}
			sent[c] = struct{}{}
			if err := c.Send(payload); err != nil {
				c.Close()
				h.drop(c)
			}
		}
	}
}

// drop removes c from every topic it is registered under.
func (h *Hub) drop(c Subscriber) {
	for topic, clients := range h.clients {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Register adds a client to a topic.
func (h *Hub) Register(topic string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to the topic's clients and to TopicAll subscribers.
func (h *Hub) Broadcast(topic string, payload []byte) {
	h.Publish(payload, topic)
}

// Publish sends payload to the clients of each topic. Subscribers reached
// through several topics, TopicAll included, receive it once.
func (h *Hub) Publish(payload []byte, topics ...string) {
	unique := make([]string, 0, len(topics))
	seen := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		if _, ok := seen[topic]; ok || topic == TopicAll {
			continue
		}
		seen[topic] = struct{}{}
		unique = append(unique, topic)
	}
	select {
	case h.broadcast <- message{topics: unique, payload: payload}:
	case <-h.done:
	}
}

// Close stops the hub and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}
