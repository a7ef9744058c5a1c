// Package app wires the agent together: config, backend client, message
// store, realtime channel, seen tracking and call management, fronted by
// a small interactive prompt.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mheijden/linkup/internal/backend"
	"github.com/mheijden/linkup/internal/call"
	"github.com/mheijden/linkup/internal/chat"
	"github.com/mheijden/linkup/internal/config"
	"github.com/mheijden/linkup/internal/hub"
	"github.com/mheijden/linkup/internal/proto"
	"github.com/mheijden/linkup/internal/realtime"
	"github.com/mheijden/linkup/internal/util"
)

var log = logging.Logger("app")

// Options carries the resolved configuration into Run.
type Options struct {
	CfgPath string
	Cfg     config.Config
}

// App holds the running agent's moving parts. Created by Run; the prompt
// loop drives it.
type App struct {
	cfg    config.Config
	store  *chat.Store
	seen   *chat.SeenTracker
	rt     *realtime.Manager
	calls  *call.Manager
	client *backend.Client

	mu          sync.Mutex
	openConv    string
	openPeer    string
	pendingCall *call.IncomingCall
}

// Run starts the agent and blocks in the interactive prompt until ctx is
// cancelled or the user quits.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Cfg
	if cfg.Identity.ID == "" {
		return fmt.Errorf("identity.id is not set in %s", opts.CfgPath)
	}

	applyLogLevel(cfg.Log.Level)

	a := &App{
		cfg:    cfg,
		store:  chat.NewStore(cfg.Identity.ID),
		client: backend.New(cfg.Backend.URL),
	}

	a.rt = realtime.New(realtime.Options{
		HubURL:         cfg.Hub.URL,
		Identity:       cfg.Identity.ID,
		QueueSize:      cfg.Hub.SendQueueSize,
		InitialBackoff: time.Duration(cfg.Hub.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Hub.MaxBackoffMs) * time.Millisecond,
	})

	a.seen = chat.NewSeenTracker(a.store, a.client,
		time.Duration(cfg.Chat.SeenDebounceMs)*time.Millisecond)
	defer a.seen.Close()

	a.calls = call.New(a.rt, call.Options{
		SelfID:             cfg.Identity.ID,
		STUNServers:        cfg.Call.STUNServers,
		CaptureTimeout:     time.Duration(cfg.Call.CaptureTimeoutSec) * time.Second,
		NegotiationTimeout: time.Duration(cfg.Call.NegotiationTimeoutSec) * time.Second,
	})
	defer a.calls.Close()

	a.registerHandlers()

	// React to config edits without a restart; only the log level is safe
	// to change live.
	if err := config.Watch(ctx, opts.CfgPath, func(next config.Config) {
		applyLogLevel(next.Log.Level)
	}); err != nil {
		log.Warnf("config watch disabled: %v", err)
	}

	a.announceProfile(ctx)
	a.syncChats(ctx)

	a.rt.Connect(ctx)
	defer a.rt.Close()

	return a.repl(ctx)
}

func applyLogLevel(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("unknown log level %q, keeping current", level)
		return
	}
	logging.SetAllLoggers(lvl)
}

// registerHandlers binds every inbound event type to its effect. The chat
// events mutate the store; the call events go to the call manager whole.
func (a *App) registerHandlers() {
	a.rt.OnEvent(proto.TypeMessageReceived, func(ev proto.Event) {
		e := ev.(proto.MessageReceived)
		msg := chat.FromWire(e.Message)
		if a.store.AppendIncoming(e.Message.ConversationID, msg) {
			a.printf("\n[%s] %s\n", e.From, util.Preview(msg.Body, 120))
		}
	})

	a.rt.OnEvent(proto.TypeMessageSent, func(ev proto.Event) {
		e := ev.(proto.MessageSent)
		// Echo of our own send; idempotent insert reconciles it with the
		// optimistic entry when the id matches.
		a.store.AppendIncoming(e.Message.ConversationID, chat.FromWire(e.Message))
	})

	a.rt.OnEvent(proto.TypeMessageDelivered, func(ev proto.Event) {
		e := ev.(proto.MessageDelivered)
		a.store.MarkDelivered(e.Receipt.ConversationID, e.Receipt.MessageID)
	})

	a.rt.OnEvent(proto.TypeChatRead, func(ev proto.Event) {
		e := ev.(proto.ChatRead)
		a.store.MarkChatSeen(e.Receipt.ConversationID)
	})

	a.rt.OnEvent(proto.TypeMessageRead, func(ev proto.Event) {
		e := ev.(proto.MessageRead)
		a.store.MarkSeen(e.Receipt.ConversationID, e.Receipt.MessageID)
	})

	for _, t := range []string{
		proto.TypeVideoOffer,
		proto.TypeVideoAnswer,
		proto.TypeICECandidate,
		proto.TypeCallEnded,
	} {
		a.rt.OnEvent(t, a.calls.HandleEvent)
	}

	a.calls.OnIncoming(func(ic *call.IncomingCall) {
		a.mu.Lock()
		a.pendingCall = ic
		a.mu.Unlock()
		a.printf("\nIncoming call from %s — type 'accept' or 'reject'\n", ic.PeerID)
	})

	a.calls.OnState(func(peerID string, st call.State) {
		switch st {
		case call.StateConnected:
			a.printf("\nCall with %s connected\n", peerID)
		case call.StateFailed:
			a.printf("\nCall with %s failed\n", peerID)
		case call.StateEnded:
			a.printf("\nCall with %s ended\n", peerID)
		}
	})
}

// announceProfile publishes our display name so counterparts can resolve
// it. Best effort; the hub may not be up yet.
func (a *App) announceProfile(ctx context.Context) {
	if a.cfg.Identity.Display == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()
	if err := a.client.UpsertProfile(cctx, a.cfg.Identity.ID, a.cfg.Identity.Display); err != nil {
		log.Debugf("announce profile: %v", err)
	}
}

// syncChats pulls the chat list and the newest history page of each chat
// so the prompt starts with context instead of an empty store.
func (a *App) syncChats(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()

	chats, err := a.client.Chats(cctx, a.cfg.Identity.ID)
	if err != nil {
		log.Warnf("chat list sync skipped: %v", err)
		return
	}

	for _, c := range chats {
		peer := c.UserA
		if peer == a.cfg.Identity.ID {
			peer = c.UserB
		}
		display := ""
		if p, err := a.client.Profile(cctx, peer); err == nil {
			display = p.Display
		}
		a.store.EnsureConversation(c.ID, peer, display)

		page, err := a.client.MessagePage(cctx, c.ID, 0, a.cfg.Chat.HistoryPageSize)
		if err != nil {
			log.Warnf("history sync for %s skipped: %v", c.ID, err)
			continue
		}
		a.store.PrependHistoryPage(c.ID, wireToMessages(page))
	}
	log.Infof("synced %d chats", len(chats))
}

func wireToMessages(page []proto.WireMessage) []*chat.Message {
	out := make([]*chat.Message, 0, len(page))
	for _, w := range page {
		out = append(out, chat.FromWire(w))
	}
	return out
}

// RunHub starts the reference hub server and blocks until ctx is cancelled.
func RunHub(ctx context.Context, cfg config.Config) error {
	applyLogLevel(cfg.Log.Level)

	store, err := hub.OpenStore(cfg.Hub.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := hub.NewServer(store)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	return srv.Run(cfg.Hub.Listen)
}
