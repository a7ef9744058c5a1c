package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mheijden/linkup/internal/call"
	"github.com/mheijden/linkup/internal/chat"
	"github.com/mheijden/linkup/internal/proto"
	"github.com/mheijden/linkup/internal/util"
)

func (a *App) printf(format string, args ...any) {
	fmt.Printf(format, args...)
}

// repl reads commands from stdin until quit or ctx cancellation. Stdin is
// read on its own goroutine so a pending ReadString never blocks shutdown.
func (a *App) repl(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		in := bufio.NewReader(os.Stdin)
		for {
			s, err := in.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimSpace(s)
		}
	}()

	a.printf("linkup agent %s — type 'help' for commands\n", a.cfg.Identity.ID)

	for {
		a.printf("> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if line == "quit" || line == "exit" {
				return nil
			}
			a.handleCommand(ctx, line)
		}
	}
}

func (a *App) handleCommand(ctx context.Context, line string) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		a.printHelp()
	case "chats":
		a.cmdChats()
	case "open":
		a.cmdOpen(ctx, rest)
	case "send":
		a.cmdSend(rest)
	case "show":
		a.cmdShow()
	case "history":
		a.cmdHistory(ctx)
	case "call":
		a.cmdCall(rest)
	case "accept":
		a.cmdAccept()
	case "reject":
		a.cmdReject()
	case "mute":
		a.cmdMute()
	case "video":
		a.cmdVideo()
	case "hangup":
		a.cmdHangup()
	case "status":
		a.cmdStatus()
	default:
		a.printf("unknown command %q — type 'help'\n", cmd)
	}
}

func (a *App) printHelp() {
	a.printf(`Commands:
  chats              list conversations
  open <peer-id>     open (or start) the conversation with a peer
  send <text>        send a message in the open conversation
  show               print the open conversation
  history            load an older page of the open conversation
  call <peer-id>     start a video call
  accept / reject    answer a pending incoming call
  mute / video       toggle microphone / camera during a call
  hangup             end the current call
  status             connection and call state
  quit               exit
`)
}

func (a *App) cmdChats() {
	convs := a.store.Conversations()
	if len(convs) == 0 {
		a.printf("no conversations yet — 'open <peer-id>' starts one\n")
		return
	}
	for _, c := range convs {
		name := c.ParticipantDisplay
		if name == "" {
			name = c.ParticipantID
		}
		marker := ""
		if c.UnseenCount > 0 {
			marker = fmt.Sprintf(" (%d unseen)", c.UnseenCount)
		}
		a.printf("  %s — %s%s\n", name, c.LastMessagePreview, marker)
	}
}

func (a *App) cmdOpen(ctx context.Context, peerID string) {
	if peerID == "" {
		a.printf("usage: open <peer-id>\n")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()

	entry, err := a.client.EnsureChat(cctx, a.cfg.Identity.ID, peerID)
	if err != nil {
		a.printf("open: %v\n", err)
		return
	}

	display := ""
	if p, err := a.client.Profile(cctx, peerID); err == nil {
		display = p.Display
	}
	a.store.EnsureConversation(entry.ID, peerID, display)

	if len(a.store.Messages(entry.ID)) == 0 {
		if page, err := a.client.MessagePage(cctx, entry.ID, 0, a.cfg.Chat.HistoryPageSize); err == nil {
			a.store.PrependHistoryPage(entry.ID, wireToMessages(page))
		}
	}

	a.mu.Lock()
	a.openConv = entry.ID
	a.openPeer = peerID
	a.mu.Unlock()
	a.seen.SetConversation(entry.ID)

	// Opening the chat counts as reading everything in it. The backend
	// persists that and pushes the receipt to the counterpart.
	if err := a.client.MarkChatRead(cctx, entry.ID, a.cfg.Identity.ID); err != nil {
		log.Debugf("mark chat read: %v", err)
	}
	for _, msg := range a.store.Messages(entry.ID) {
		if msg.SenderID != a.cfg.Identity.ID {
			a.store.MarkSeen(entry.ID, msg.ID)
		}
	}

	a.printf("opened conversation with %s\n", peerID)
	a.cmdShow()
}

func (a *App) openConversation() (conv, peer string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openConv, a.openPeer
}

func (a *App) cmdSend(body string) {
	conv, peer := a.openConversation()
	if conv == "" {
		a.printf("no open conversation — 'open <peer-id>' first\n")
		return
	}
	if body == "" {
		a.printf("usage: send <text>\n")
		return
	}

	msg := a.store.AppendOutgoing(conv, body)
	f, err := proto.NewFrame(proto.TypeSendMessage, peer, msg.ToWire())
	if err != nil {
		a.printf("send: %v\n", err)
		return
	}
	_ = a.rt.Send(f)
	if !a.rt.Ready() {
		a.printf("(offline — message queued for delivery)\n")
	}
}

func (a *App) cmdShow() {
	conv, _ := a.openConversation()
	if conv == "" {
		a.printf("no open conversation\n")
		return
	}
	msgs := a.store.Messages(conv)
	if len(msgs) == 0 {
		a.printf("(empty conversation)\n")
		return
	}
	for _, m := range msgs {
		who := m.SenderID
		mark := ""
		if m.SenderID == a.cfg.Identity.ID {
			who = "me"
			mark = " " + statusMark(m.Status)
		}
		a.printf("  %s %s: %s%s\n", m.CreatedAt.Format("15:04"), who, m.Body, mark)
	}
}

func statusMark(st chat.Status) string {
	switch st {
	case chat.StatusDelivered:
		return "[delivered]"
	case chat.StatusSeen:
		return "[seen]"
	default:
		return "[sent]"
	}
}

func (a *App) cmdHistory(ctx context.Context) {
	conv, _ := a.openConversation()
	if conv == "" {
		a.printf("no open conversation\n")
		return
	}

	before, ok := a.store.OldestTimestamp(conv)
	if !ok {
		before = 0
	}
	cctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()

	page, err := a.client.MessagePage(cctx, conv, before, a.cfg.Chat.HistoryPageSize)
	if err != nil {
		a.printf("history: %v\n", err)
		return
	}
	if len(page) == 0 {
		a.printf("no more history\n")
		return
	}
	n := a.store.PrependHistoryPage(conv, wireToMessages(page))
	a.printf("loaded %d older messages\n", n)
}

func (a *App) cmdCall(peerID string) {
	if peerID == "" {
		_, peerID = a.openConversation()
	}
	if peerID == "" {
		a.printf("usage: call <peer-id>\n")
		return
	}
	if err := a.calls.Start(peerID); err != nil {
		a.printf("call: %v\n", err)
		return
	}
	a.printf("calling %s…\n", peerID)
}

func (a *App) takePendingCall() *call.IncomingCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	ic := a.pendingCall
	a.pendingCall = nil
	return ic
}

func (a *App) cmdAccept() {
	ic := a.takePendingCall()
	if ic == nil {
		a.printf("no pending call\n")
		return
	}
	if err := ic.Accept(); err != nil {
		a.printf("accept: %v\n", err)
	}
}

func (a *App) cmdReject() {
	ic := a.takePendingCall()
	if ic == nil {
		a.printf("no pending call\n")
		return
	}
	ic.Reject()
	a.printf("rejected call from %s\n", ic.PeerID)
}

func (a *App) cmdMute() {
	muted, err := a.calls.ToggleMicrophone()
	if err != nil {
		a.printf("mute: %v\n", err)
		return
	}
	if muted {
		a.printf("microphone muted\n")
	} else {
		a.printf("microphone live\n")
	}
}

func (a *App) cmdVideo() {
	off, err := a.calls.ToggleCamera()
	if err != nil {
		a.printf("video: %v\n", err)
		return
	}
	if off {
		a.printf("camera off\n")
	} else {
		a.printf("camera on\n")
	}
}

func (a *App) cmdHangup() {
	if err := a.calls.Hangup(); err != nil {
		a.printf("hangup: %v\n", err)
	}
}

func (a *App) cmdStatus() {
	if a.rt.Ready() {
		a.printf("hub: connected\n")
	} else {
		a.printf("hub: reconnecting…\n")
	}
	st := a.calls.State()
	if st == call.StateIdle || st.Terminal() {
		a.printf("call: none\n")
	} else {
		a.printf("call: %s with %s\n", st, a.calls.Peer())
		if kinds := a.calls.RemoteMediaKinds(); len(kinds) > 0 {
			a.printf("  receiving: %s\n", strings.Join(kinds, ", "))
		}
	}
	conv, peer := a.openConversation()
	if conv != "" {
		a.printf("open: %s (%s)\n", peer, conv)
	}
}
