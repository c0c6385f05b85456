package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/archive"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Server is an in-memory relay. It serves chats loaded from an export or
// added directly, and publishes updates to long-polling clients.
type Server struct {
	log zerolog.Logger

	// MaxPollTimeout caps the timeout a client may request from /updates.
	MaxPollTimeout time.Duration
	SelfID         int64
	SelfName       string

	lock       sync.Mutex
	authorized bool
	chats      map[int64]*serverChat
	updates    []archive.Update
	notify     chan struct{}
}

type serverChat struct {
	dialog archive.Dialog
	// messages are sorted by id, oldest first.
	messages []archive.RawMessage
	media    map[int64]mediaSource
}

type mediaSource struct {
	path string
	data []byte
}

func NewServer(log zerolog.Logger) *Server {
	return &Server{
		log:            log,
		MaxPollTimeout: 30 * time.Second,
		SelfName:       "Me",
		authorized:     true,
		chats:          make(map[int64]*serverChat),
		notify:         make(chan struct{}),
	}
}

// SetAuthorized toggles the session state. An unauthorized server answers
// 401 on every endpoint except /auth, /login and /health.
func (s *Server) SetAuthorized(authorized bool) {
	s.lock.Lock()
	s.authorized = authorized
	s.lock.Unlock()
}

// AddChat adds or replaces a chat. Messages may be in any order.
func (s *Server) AddChat(dialog archive.Dialog, messages ...archive.RawMessage) {
	s.lock.Lock()
	defer s.lock.Unlock()
	chat := &serverChat{dialog: dialog, media: make(map[int64]mediaSource)}
	for _, msg := range messages {
		msg.ChatID = dialog.ID
		chat.put(msg)
	}
	s.chats[dialog.ID] = chat
}

// AddExport adds every chat of a parsed export with its media files.
func (s *Server) AddExport(exp *Export) {
	for _, chat := range exp.Chats {
		s.AddChat(chat.Dialog, chat.Messages...)
		for msgID, path := range chat.Media {
			s.setMedia(chat.Dialog.ID, msgID, mediaSource{path: path})
		}
	}
	s.log.Info().Int("chats", len(exp.Chats)).Str("dir", exp.Dir).Msg("Loaded export")
}

// SetMedia stores the media bytes served for a message.
func (s *Server) SetMedia(chatID, messageID int64, data []byte) {
	s.setMedia(chatID, messageID, mediaSource{data: data})
}

func (s *Server) setMedia(chatID, messageID int64, src mediaSource) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if chat, ok := s.chats[chatID]; ok {
		chat.media[messageID] = src
	}
}

// Publish applies an update to the served state and appends it to the feed.
func (s *Server) Publish(upd archive.Update) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.publishLocked(upd)
}

func (s *Server) publishLocked(upd archive.Update) {
	switch upd.Kind {
	case archive.UpdateNewMessage, archive.UpdateEditMessage:
		if upd.Message == nil {
			return
		}
		chat, ok := s.chats[upd.Message.ChatID]
		if !ok {
			chat = &serverChat{
				dialog: archive.Dialog{ID: upd.Message.ChatID, Title: upd.Message.ChatTitle, Kind: upd.Message.ChatKind},
				media:  make(map[int64]mediaSource),
			}
			s.chats[chat.dialog.ID] = chat
		}
		chat.put(*upd.Message)
	case archive.UpdateDialog:
		if upd.Dialog == nil {
			return
		}
		if chat, ok := s.chats[upd.Dialog.ID]; ok {
			chat.dialog = *upd.Dialog
		} else {
			s.chats[upd.Dialog.ID] = &serverChat{dialog: *upd.Dialog, media: make(map[int64]mediaSource)}
		}
	default:
		return
	}
	upd.Err = nil
	s.updates = append(s.updates, upd)
	close(s.notify)
	s.notify = make(chan struct{})
}

func (chat *serverChat) put(msg archive.RawMessage) {
	idx, found := slices.BinarySearchFunc(chat.messages, msg.ID, func(m archive.RawMessage, id int64) int {
		return cmpInt64(m.ID, id)
	})
	if found {
		chat.messages[idx] = msg
	} else {
		chat.messages = slices.Insert(chat.messages, idx, msg)
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", s.handleAuth)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/dialogs", s.requireAuth(s.handleDialogs))
	mux.HandleFunc("/history", s.requireAuth(s.handleHistory))
	mux.HandleFunc("/updates", s.requireAuth(s.handleUpdates))
	mux.HandleFunc("/send", s.requireAuth(s.handleSend))
	mux.HandleFunc("/media", s.requireAuth(s.handleMedia))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.lock.Lock()
		authorized := s.authorized
		s.lock.Unlock()
		if !authorized {
			http.Error(w, "session not authorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	authorized := s.authorized
	s.lock.Unlock()
	writeJSON(w, &authResponse{Authorized: authorized})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	s.SetAuthorized(true)
	s.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Session logged in")
	writeJSON(w, &authResponse{Authorized: true})
}

func (s *Server) handleDialogs(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	dialogs := make([]archive.Dialog, 0, len(s.chats))
	for _, chat := range s.chats {
		dialogs = append(dialogs, chat.dialog)
	}
	s.lock.Unlock()
	slices.SortFunc(dialogs, func(a, b archive.Dialog) int {
		return cmpInt64(a.ID, b.ID)
	})
	writeJSON(w, dialogs)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	chatID, err := strconv.ParseInt(query.Get("chat_id"), 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid ?chat_id= parameter", http.StatusBadRequest)
		return
	}
	var beforeID int64
	if v := query.Get("before_id"); v != "" {
		if beforeID, err = strconv.ParseInt(v, 10, 64); err != nil {
			http.Error(w, "invalid ?before_id= parameter", http.StatusBadRequest)
			return
		}
	}
	limit := defaultHistoryLimit
	if v := query.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			http.Error(w, "invalid ?limit= parameter", http.StatusBadRequest)
			return
		}
		limit = min(limit, maxHistoryLimit)
	}

	s.lock.Lock()
	chat, ok := s.chats[chatID]
	var out []archive.RawMessage
	if ok {
		end := len(chat.messages)
		if beforeID > 0 {
			end, _ = slices.BinarySearchFunc(chat.messages, beforeID, func(m archive.RawMessage, id int64) int {
				return cmpInt64(m.ID, id)
			})
		}
		out = make([]archive.RawMessage, 0, min(limit, end))
		for i := end - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, chat.messages[i])
		}
	}
	s.lock.Unlock()
	if !ok {
		http.Error(w, "unknown chat", http.StatusNotFound)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("after") == "" {
		s.lock.Lock()
		head := int64(len(s.updates))
		s.lock.Unlock()
		writeJSON(w, &updatesResponse{Updates: []archive.Update{}, Next: head})
		return
	}
	after, err := strconv.ParseInt(query.Get("after"), 10, 64)
	if err != nil || after < 0 {
		http.Error(w, "invalid ?after= parameter", http.StatusBadRequest)
		return
	}
	timeout := s.MaxPollTimeout
	if v := query.Get("timeout"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			http.Error(w, "invalid ?timeout= parameter", http.StatusBadRequest)
			return
		}
		timeout = min(time.Duration(secs)*time.Second, s.MaxPollTimeout)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.lock.Lock()
		head := int64(len(s.updates))
		notify := s.notify
		var pending []archive.Update
		if after < head {
			pending = slices.Clone(s.updates[after:])
		}
		s.lock.Unlock()
		if len(pending) > 0 || after > head {
			writeJSON(w, &updatesResponse{Updates: pending, Next: head})
			return
		}
		select {
		case <-notify:
		case <-timer.C:
			writeJSON(w, &updatesResponse{Updates: []archive.Update{}, Next: head})
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.lock.Lock()
	chat, ok := s.chats[req.ChatID]
	if !ok {
		s.lock.Unlock()
		http.Error(w, "unknown chat", http.StatusNotFound)
		return
	}
	var nextID int64 = 1
	if n := len(chat.messages); n > 0 {
		nextID = chat.messages[n-1].ID + 1
	}
	msg := archive.RawMessage{
		ID:         nextID,
		ChatID:     chat.dialog.ID,
		ChatTitle:  chat.dialog.Title,
		ChatKind:   chat.dialog.Kind,
		SenderID:   s.SelfID,
		SenderName: s.SelfName,
		TopicID:    req.TopicID,
		Date:       time.Now().UTC().Truncate(time.Second),
		Text:       req.Text,
	}
	s.publishLocked(archive.Update{Kind: archive.UpdateNewMessage, Message: &msg})
	s.lock.Unlock()
	s.log.Debug().Int64("chat_id", msg.ChatID).Int64("message_id", msg.ID).Msg("Sent message")
	writeJSON(w, &msg)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	chatID, err1 := strconv.ParseInt(query.Get("chat_id"), 10, 64)
	messageID, err2 := strconv.ParseInt(query.Get("message_id"), 10, 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "missing or invalid ?chat_id= or ?message_id= parameter", http.StatusBadRequest)
		return
	}
	s.lock.Lock()
	var src mediaSource
	var ok bool
	if chat, found := s.chats[chatID]; found {
		src, ok = chat.media[messageID]
	}
	s.lock.Unlock()
	if !ok {
		http.Error(w, "no media for message", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if src.data != nil {
		w.Write(src.data)
		return
	}
	file, err := os.Open(src.path)
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, "media file missing", http.StatusNotFound)
		return
	} else if err != nil {
		s.log.Err(err).Str("path", src.path).Msg("Failed to open media file")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer file.Close()
	if _, err = io.Copy(w, file); err != nil {
		s.log.Warn().Err(err).Str("path", src.path).Msg("Failed to write media response")
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
