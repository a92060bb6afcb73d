package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chat_server/server/chat/domain"
	commonlog "chat_server/server/common/log"
)

const presenceEventsChannel = "presence:events"

// presenceEntry is the live-connection record for one connected user.
type presenceEntry struct {
	client   *Client
	lastSeen time.Time
	viewing  string // counterpart user id whose thread is open, "" when none
}

// PresenceRegistry is the single source of truth for which user is reachable
// on which connection. It upholds the at-most-one-live-connection-per-user
// invariant: a new registration force-closes the previous connection.
//
// An optional redis bridge relays supersede kicks and presence broadcasts
// between instances; local mailbox delivery stays authoritative for the
// online/offline fanout decision.
type PresenceRegistry struct {
	mu      sync.RWMutex
	entries map[string]*presenceEntry

	instanceID string
	rdb        *redis.Client
	sub        *redis.PubSub
	subCancel  context.CancelFunc
}

type presenceBridgeEvent struct {
	Kind       string          `json:"kind"`
	InstanceID string          `json:"instance_id"`
	UserID     string          `json:"user_id,omitempty"`
	Event      string          `json:"event,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		entries:    map[string]*presenceEntry{},
		instanceID: uuid.NewString(),
	}
}

func (p *PresenceRegistry) UseRedis(client *redis.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rdb = client
}

func (p *PresenceRegistry) StartBridge(ctx context.Context) error {
	p.mu.Lock()
	if p.rdb == nil || p.sub != nil {
		p.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := p.rdb.Subscribe(subCtx, presenceEventsChannel)
	p.sub = sub
	p.subCancel = cancel
	p.mu.Unlock()

	go p.consumeBridge(subCtx, sub)
	return nil
}

func (p *PresenceRegistry) StopBridge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subCancel != nil {
		p.subCancel()
		p.subCancel = nil
	}
	if p.sub != nil {
		_ = p.sub.Close()
		p.sub = nil
	}
}

// Register installs client as the single live connection for its user. Any
// previous connection is force-closed first; its pending unregister becomes
// a no-op because the entry no longer references it.
func (p *PresenceRegistry) Register(client *Client) (superseded bool) {
	p.mu.Lock()
	prev, ok := p.entries[client.UserID]
	p.entries[client.UserID] = &presenceEntry{client: client, lastSeen: time.Now()}
	p.mu.Unlock()

	if ok {
		prev.client.Close()
		superseded = true
	}
	p.publishBridge(presenceBridgeEvent{Kind: "kick", UserID: client.UserID})
	commonlog.Infof("event=presence action=register user_id=%s superseded=%t", client.UserID, superseded)
	return superseded
}

// Unregister removes the entry only if it still references this client, so
// a disconnect racing a supersede-triggered close cannot evict the newer
// connection. Returns whether the entry was actually removed.
func (p *PresenceRegistry) Unregister(client *Client) bool {
	p.mu.Lock()
	entry, ok := p.entries[client.UserID]
	if !ok || entry.client != client {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, client.UserID)
	p.mu.Unlock()

	commonlog.Infof("event=presence action=unregister user_id=%s", client.UserID)
	return true
}

func (p *PresenceRegistry) Lookup(userID string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.entries[userID]
	if !ok {
		return nil, false
	}
	return entry.client, true
}

func (p *PresenceRegistry) IsOnline(userID string) bool {
	_, ok := p.Lookup(userID)
	return ok
}

// SetViewing records which counterpart's thread the user has open and
// returns the previous counterpart.
func (p *PresenceRegistry) SetViewing(userID, counterpartID string) (previous string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[userID]
	if !ok {
		return ""
	}
	previous = entry.viewing
	entry.viewing = counterpartID
	entry.lastSeen = time.Now()
	return previous
}

// IsViewing reports whether viewerID is online with counterpartID's thread
// open right now; used to mark inbound messages read on arrival.
func (p *PresenceRegistry) IsViewing(viewerID, counterpartID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.entries[viewerID]
	return ok && counterpartID != "" && entry.viewing == counterpartID
}

func (p *PresenceRegistry) Snapshot() []domain.PresenceEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	items := make([]domain.PresenceEvent, 0, len(p.entries))
	for userID, entry := range p.entries {
		items = append(items, domain.PresenceEvent{UserID: userID, LastSeen: entry.lastSeen})
	}
	return items
}

// Deliver sends an event to the user's mailbox if a live local connection
// exists. The boolean result drives the online/offline fanout branch.
func (p *PresenceRegistry) Deliver(userID, event string, data any) bool {
	client, ok := p.Lookup(userID)
	if !ok {
		return false
	}
	client.SendEvent(event, data)
	return true
}

// Broadcast fans an event out to every local connection except excludeUserID
// and relays it to other instances over the bridge.
func (p *PresenceRegistry) Broadcast(event string, data any, excludeUserID string) {
	p.broadcastLocal(event, data, excludeUserID)

	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	p.publishBridge(presenceBridgeEvent{Kind: "broadcast", UserID: excludeUserID, Event: event, Payload: payload})
}

func (p *PresenceRegistry) broadcastLocal(event string, data any, excludeUserID string) int {
	p.mu.RLock()
	clients := make([]*Client, 0, len(p.entries))
	for userID, entry := range p.entries {
		if userID == excludeUserID {
			continue
		}
		clients = append(clients, entry.client)
	}
	p.mu.RUnlock()

	for _, client := range clients {
		client.SendEvent(event, data)
	}
	return len(clients)
}

func (p *PresenceRegistry) publishBridge(event presenceBridgeEvent) {
	p.mu.RLock()
	rdb := p.rdb
	p.mu.RUnlock()
	if rdb == nil {
		return
	}
	event.InstanceID = p.instanceID
	b, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := rdb.Publish(context.Background(), presenceEventsChannel, b).Err(); err != nil {
		commonlog.Warnf("event=presence action=bridge_publish status=failed kind=%s error=%v", event.Kind, err)
	}
}

func (p *PresenceRegistry) consumeBridge(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var event presenceBridgeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			continue
		}
		if event.InstanceID == p.instanceID {
			continue
		}
		switch event.Kind {
		case "kick":
			// The user registered on another instance; drop any local
			// connection so the single-connection invariant holds fleet-wide.
			p.mu.Lock()
			entry, ok := p.entries[event.UserID]
			if ok {
				delete(p.entries, event.UserID)
			}
			p.mu.Unlock()
			if ok {
				entry.client.Close()
				commonlog.Infof("event=presence action=bridge_kick user_id=%s", event.UserID)
			}
		case "broadcast":
			var payload any
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				continue
			}
			p.broadcastLocal(event.Event, payload, event.UserID)
		}
	}
}
