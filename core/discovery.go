package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// PeerAddress is a discovered mesh peer's websocket URL, advertised over
// the libp2p pubsub announcement topic (see Announce below).
type PeerAddress struct {
	ID  string
	URL string
}

// Discovery finds other ate mesh endpoints on the local network via
// libp2p mDNS. It only exchanges each peer's websocket URL (over a gossip
// topic) and leaves the actual replication transport to MeshSession/Dial —
// libp2p here is purely a rendezvous/announcement layer, not the
// replication transport itself.
type Discovery struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc

	mu    sync.RWMutex
	peers map[string]PeerAddress

	log *logrus.Entry
}

// NewDiscovery starts a libp2p host listening on listenAddr, joins the
// given gossip topic, and begins mDNS peer discovery tagged discoveryTag.
func NewDiscovery(listenAddr, discoveryTag, topicName string) (*Discovery, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: create discovery host: %v", ErrIO, err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("%w: create discovery pubsub: %v", ErrIO, err)
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("%w: join discovery topic: %v", ErrIO, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("%w: subscribe discovery topic: %v", ErrIO, err)
	}

	d := &Discovery{
		host:   h,
		pubsub: ps,
		topic:  topic,
		sub:    sub,
		cancel: cancel,
		peers:  make(map[string]PeerAddress),
		log:    logrus.WithField("component", "discovery"),
	}

	mdns.NewMdnsService(h, discoveryTag, mdnsNotifee{d: d})
	go d.readLoop(ctx)
	return d, nil
}

// mdnsNotifee adapts Discovery to mdns.Notifee without exposing
// HandlePeerFound on Discovery's own public surface.
type mdnsNotifee struct{ d *Discovery }

func (n mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.d.host.ID() {
		return
	}
	if err := n.d.host.Connect(context.Background(), info); err != nil {
		n.d.log.WithError(err).Warn("failed to connect to discovered mDNS peer")
	}
}

// Announce publishes this node's mesh websocket URL to every peer
// subscribed to the discovery topic.
func (d *Discovery) Announce(selfURL string) error {
	msg := fmt.Sprintf("%s|%s", d.host.ID().String(), selfURL)
	if err := d.topic.Publish(context.Background(), []byte(msg)); err != nil {
		return fmt.Errorf("%w: announce: %v", ErrIO, err)
	}
	return nil
}

func (d *Discovery) readLoop(ctx context.Context) {
	for {
		msg, err := d.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == d.host.ID() {
			continue
		}
		id, url, ok := splitAnnouncement(string(msg.Data))
		if !ok {
			continue
		}
		d.mu.Lock()
		d.peers[id] = PeerAddress{ID: id, URL: url}
		d.mu.Unlock()
	}
}

func splitAnnouncement(s string) (id, url string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// Peers returns every mesh peer address discovered so far.
func (d *Discovery) Peers() []PeerAddress {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerAddress, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

// Close shuts down the discovery host.
func (d *Discovery) Close() error {
	d.cancel()
	return d.host.Close()
}
