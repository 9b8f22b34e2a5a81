package server

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayhub/relaychat/pkg/database"
)

const whisperUsage = "Usage: /w <username> <message>"

// Router turns received frames into persisted rows and deliveries to
// peer sessions. It iterates registry snapshots, so a peer disconnecting
// mid-fanout costs at most one failed send, which is logged and skipped;
// one slow or dead recipient never blocks the rest.
type Router struct {
	registry *Registry
	store    Store
	metrics  *Metrics
	log      zerolog.Logger

	// now is injectable for deterministic timestamps in tests.
	now func() time.Time
}

// NewRouter creates a router over the registry and message store.
func NewRouter(registry *Registry, store Store, metrics *Metrics, log zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		store:    store,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

func (rt *Router) timestamp() string {
	return rt.now().Format(database.TimestampLayout)
}

// HandleText dispatches one inbound TEXT frame from sess. It returns
// true when the client asked to disconnect.
func (rt *Router) HandleText(sess *Session, text string) (quit bool) {
	switch {
	case text == "bye":
		return true
	case text == "/list":
		rt.sendUserList(sess)
	case strings.HasPrefix(text, "/w "):
		// At most three tokens: everything after the username is the
		// message body, spaces included.
		parts := strings.SplitN(text, " ", 3)
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			rt.sendOrLog(sess, whisperUsage)
			return false
		}
		rt.Whisper(sess, parts[1], parts[2])
	default:
		rt.broadcastChat(sess, text)
	}
	return false
}

func (rt *Router) sendUserList(sess *Session) {
	names := rt.registry.Usernames()
	sort.Strings(names)
	rt.sendOrLog(sess, fmt.Sprintf("List of users currently connected: [%s]", strings.Join(names, ", ")))
}

// broadcastChat persists a public message and fans it out to every peer
// except the sender.
func (rt *Router) broadcastChat(sess *Session, text string) {
	ts := rt.timestamp()
	if err := rt.store.InsertMessage(sess.Username, sess.RemoteAddr, "ALL", "---", text, ts); err != nil {
		rt.log.Error().Err(err).Str("sender", sess.Username).Msg("failed to persist broadcast")
	}
	rt.Broadcast(fmt.Sprintf("[%s] %s: %s", ts, sess.Username, text), sess)
	if rt.metrics != nil {
		rt.metrics.RecordBroadcast()
	}
}

// Broadcast delivers text to every registered session except exclude.
// Pass nil to reach everyone.
func (rt *Router) Broadcast(text string, exclude *Session) {
	for _, peer := range rt.registry.Snapshot() {
		if peer == exclude {
			continue
		}
		rt.sendOrLog(peer, text)
	}
}

// BroadcastAll delivers text to every registered session, including the
// would-be sender. Used for server notices.
func (rt *Router) BroadcastAll(text string) {
	rt.Broadcast(text, nil)
}

// Whisper delivers a private message to target and confirms to the
// sender. When the target is offline the sender gets an error notice
// and nothing is persisted.
func (rt *Router) Whisper(sess *Session, target, text string) {
	peer, ok := rt.registry.Find(target)
	if !ok {
		rt.sendOrLog(sess, fmt.Sprintf("Error: User '%s' not found.", target))
		if rt.metrics != nil {
			rt.metrics.RecordWhisper("target_missing")
		}
		return
	}

	ts := rt.timestamp()
	rt.sendOrLog(peer, fmt.Sprintf("[%s] %s (Whisper): %s", ts, sess.Username, text))
	rt.sendOrLog(sess, fmt.Sprintf("[%s] You whispered to %s: %s", ts, target, text))

	if err := rt.store.InsertMessage(sess.Username, sess.RemoteAddr, target, peer.RemoteAddr, text, ts); err != nil {
		rt.log.Error().Err(err).Str("sender", sess.Username).Str("recipient", target).
			Msg("failed to persist whisper")
	}
	if rt.metrics != nil {
		rt.metrics.RecordWhisper("delivered")
	}
}

// RelayFile forwards a received file to every other session, prefixed
// by a notice naming the sender. The history records a placeholder, not
// the payload.
func (rt *Router) RelayFile(sess *Session, name string, data []byte) {
	ts := rt.timestamp()
	if err := rt.store.InsertMessage(sess.Username, sess.RemoteAddr, "ALL", "---", fmt.Sprintf("[File: %s]", name), ts); err != nil {
		rt.log.Error().Err(err).Str("sender", sess.Username).Msg("failed to persist file record")
	}

	for _, peer := range rt.registry.Snapshot() {
		if peer == sess {
			continue
		}
		rt.sendOrLog(peer, fmt.Sprintf("Incoming file from %s", sess.Username))
		if err := peer.SendFile(name, data); err != nil {
			rt.log.Warn().Err(err).Str("recipient", peer.Username).Msg("file delivery failed")
			if rt.metrics != nil {
				rt.metrics.RecordDeliveryError()
			}
		}
	}
	if rt.metrics != nil {
		rt.metrics.RecordFileRelay("relayed")
	}
}

// sendOrLog delivers one text frame, logging delivery failures instead
// of propagating them. The recipient's own read loop will observe the
// broken connection and tear the session down.
func (rt *Router) sendOrLog(sess *Session, text string) {
	if err := sess.SendText(text); err != nil {
		rt.log.Warn().Err(err).Str("recipient", sess.Username).Msg("text delivery failed")
		if rt.metrics != nil {
			rt.metrics.RecordDeliveryError()
		}
	}
}
