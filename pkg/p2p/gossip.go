// Package p2p gossips risk events (liquidations, ADL fills, large positions)
// to peer services such as leaderboards and FOMO feeds over libp2p pubsub.
package p2p

import (
	"context"
	"fmt"
	"sync/atomic"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperrisk/pkg/notify"
	"github.com/uhyunpark/hyperrisk/pkg/util"
)

const DefaultTopic = "hyperrisk-events"

type GossipConfig struct {
	ListenAddr string
	Bootstrap  []string
	Topic      string
	Logger     *zap.SugaredLogger

	// OnEvent receives events published by other peers. Optional.
	OnEvent func(from peer.ID, ev notify.Event)
}

// Gossip publishes local events to the topic and hands remote ones to
// OnEvent. It implements notify.Sink.
type Gossip struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.SugaredLogger
	seq   atomic.Uint64

	onEvent func(from peer.ID, ev notify.Event)
}

var _ notify.Sink = (*Gossip)(nil)

func NewGossip(ctx context.Context, cfg GossipConfig) (*Gossip, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = util.NopSugar()
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	g := &Gossip{h: h, ps: ps, log: cfg.Logger, onEvent: cfg.OnEvent}

	for _, bs := range cfg.Bootstrap {
		if err := g.Connect(ctx, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if g.topic, err = ps.Join(cfg.Topic); err != nil {
		h.Close()
		return nil, err
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
	return g, nil
}

// Connect dials a full /p2p multiaddr.
func (g *Gossip) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return g.h.Connect(ctx, *info)
}

func (g *Gossip) Host() host.Host { return g.h }

// Addrs returns the host's listen addresses with its /p2p component, ready
// to be used as bootstrap entries by other nodes.
func (g *Gossip) Addrs() []string {
	self, err := ma.NewMultiaddr("/p2p/" + g.h.ID().String())
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(g.h.Addrs()))
	for _, a := range g.h.Addrs() {
		out = append(out, a.Encapsulate(self).String())
	}
	return out
}

// Peers counts peers subscribed to the event topic.
func (g *Gossip) Peers() int { return len(g.topic.ListPeers()) }

func (g *Gossip) Send(ctx context.Context, ev notify.Event) error {
	data, err := encodeEvent(g.h.ID().String(), g.seq.Add(1), ev)
	if err != nil {
		return err
	}
	if err := g.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("gossip publish: %w", err)
	}
	return nil
}

// Run reads the topic until ctx is cancelled. Messages from this host are
// skipped.
func (g *Gossip) Run(ctx context.Context) error {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		w, ev, err := decodeEvent(msg.Data)
		if err != nil {
			g.log.Debugw("gossip_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		g.log.Debugw("gossip_event", "origin", w.Origin, "seq", w.Seq, "type", ev.Type)
		if g.onEvent != nil {
			g.onEvent(msg.ReceivedFrom, ev)
		}
	}
}

func (g *Gossip) Close() error {
	g.sub.Cancel()
	if err := g.topic.Close(); err != nil {
		g.log.Debugw("gossip_topic_close_failed", "err", err)
	}
	return g.h.Close()
}
