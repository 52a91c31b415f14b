package filter

import (
	"context"

	"github.com/osa030/voicebox/internal/domain/track"
)

// BlockedUserConfig represents the configuration for BlockedUserFilter.
type BlockedUserConfig struct {
	UserIDs []string `mapstructure:"user_ids"`
}

// BlockedUserFilter rejects every request from the listed users.
type BlockedUserFilter struct {
	blocked map[string]struct{}
}

func (f *BlockedUserFilter) Name() string {
	return "blocked_user_filter"
}

func (f *BlockedUserFilter) Description() string {
	return "Rejects requests from blocked users"
}

func (f *BlockedUserFilter) ReturnCodes() []string {
	return []string{"blocked_user"}
}

func (f *BlockedUserFilter) ValidateConfig(settings map[string]any) error {
	var config BlockedUserConfig
	if err := decodeSettings(settings, &config); err != nil {
		return err
	}
	f.blocked = make(map[string]struct{}, len(config.UserIDs))
	for _, id := range config.UserIDs {
		f.blocked[id] = struct{}{}
	}
	return nil
}

func (f *BlockedUserFilter) AppliesTo(requesterType track.RequesterType) bool {
	return requesterType == track.RequesterTypeUser
}

func (f *BlockedUserFilter) Check(ctx context.Context, ref *track.Reference, q QueueView) Result {
	if _, ok := f.blocked[ref.Requester.ID]; ok {
		return Reject("blocked_user")
	}
	return Accept()
}

func init() {
	Register("blocked_user_filter", func() Filter {
		return &BlockedUserFilter{}
	})
}
