package archive

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/store"
)

// resolver maps chat references to channels, asking the client for the
// dialog list when the store doesn't know the chat yet.
type resolver struct {
	client  Client
	store   *store.Store
	limiter Limiter
	log     zerolog.Logger
}

func (r *resolver) resolve(ctx context.Context, ref string) (*store.Channel, error) {
	ch, err := r.store.FindChannel(ctx, ref)
	if err == nil || !store.IsNotFound(err) {
		return ch, err
	}
	if _, err = r.syncDialogs(ctx); err != nil {
		return nil, err
	}
	ch, err = r.store.FindChannel(ctx, ref)
	if store.IsNotFound(err) {
		return nil, &FatalFetchError{Err: fmt.Errorf("can't resolve chat %q: %w", ref, err)}
	}
	return ch, err
}

// syncDialogs stores every dialog the client knows about and returns how
// many there were.
func (r *resolver) syncDialogs(ctx context.Context) (int, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	dialogs, err := r.client.FetchDialogs(ctx)
	if err != nil {
		return 0, clientError(ctx, err)
	}
	writeCtx := context.WithoutCancel(ctx)
	for _, dialog := range dialogs {
		if dialog.ID == 0 {
			continue
		}
		if err = r.store.UpsertChannel(writeCtx, store.Channel{
			ID:       dialog.ID,
			Name:     dialog.Title,
			Username: dialog.Username,
			Kind:     store.ParseChannelKind(dialog.Kind),
		}); err != nil {
			return 0, fmt.Errorf("failed to store dialog %d: %w", dialog.ID, err)
		}
	}
	r.log.Debug().Int("dialogs", len(dialogs)).Msg("Synced dialogs")
	return len(dialogs), nil
}
