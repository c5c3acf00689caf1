package scheduler

import (
	"context"
	"sort"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/infra/randx"
)

const (
	dialogFetchLimit = 500
	dialogCap        = 250
	minParticipants  = 500
	remoteBanListMin = 150
)

// RemoteBannedChannels optionally supplies an externally maintained banned-
// channel list, consulted only on the daysLeft<0 path when it has more than
// remoteBanListMin entries.
// A nil hook means the source is unavailable, and that branch degrades to no
// additional filtering.
type RemoteBannedChannels func(ctx context.Context) ([]ports.ChannelID, error)

// priorFailure reports whether m has already recorded a failed outcome for
// channel c, used as the fallback filter on the daysLeft>=0 path.
type priorFailure func(c ports.ChannelID) bool

// fetchDialogs discovers sendable channels for one mobile: fetch, filter,
// rank by participants, cap, then shuffle with the mobile-derived seed.
func fetchDialogs(
	ctx context.Context,
	client ports.RemoteClient,
	mobile ports.Mobile,
	daysLeft int,
	remoteBanned RemoteBannedChannels,
	failedBefore priorFailure,
) ([]ports.ChannelID, error) {
	dialogs, err := client.GetDialogs(ctx, dialogFetchLimit)
	if err != nil {
		return nil, err
	}
	if len(dialogs) == 0 {
		return nil, nil
	}

	seen := make(map[ports.ChannelID]bool, len(dialogs))
	var candidates []ports.DialogEntity
	for _, d := range dialogs {
		if d.ID == "" || seen[d.ID] {
			continue
		}
		if d.Broadcast {
			continue
		}
		if d.DefaultBannedSendMessages {
			continue
		}
		if d.Restricted {
			continue
		}
		if d.ParticipantsCount <= minParticipants {
			continue
		}
		seen[d.ID] = true
		candidates = append(candidates, d)
	}

	if daysLeft < 0 {
		candidates = filterByRemoteBanned(ctx, candidates, remoteBanned)
	} else if failedBefore != nil {
		candidates = filterByPriorFailure(candidates, failedBefore)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ParticipantsCount > candidates[j].ParticipantsCount
	})
	if len(candidates) > dialogCap {
		candidates = candidates[:dialogCap]
	}

	ids := make([]ports.ChannelID, len(candidates))
	for i, d := range candidates {
		ids[i] = d.ID
	}

	rng := randx.NewSeeded(string(mobile))
	randx.Shuffle(len(ids), rng, func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	return ids, nil
}

func filterByRemoteBanned(ctx context.Context, candidates []ports.DialogEntity, remoteBanned RemoteBannedChannels) []ports.DialogEntity {
	if remoteBanned == nil {
		return candidates
	}
	banned, err := remoteBanned(ctx)
	if err != nil || len(banned) <= remoteBanListMin {
		return candidates
	}
	bannedSet := make(map[ports.ChannelID]bool, len(banned))
	for _, c := range banned {
		bannedSet[c] = true
	}
	out := candidates[:0:0]
	for _, d := range candidates {
		if !bannedSet[d.ID] {
			out = append(out, d)
		}
	}
	return out
}

func filterByPriorFailure(candidates []ports.DialogEntity, failedBefore priorFailure) []ports.DialogEntity {
	out := candidates[:0:0]
	for _, d := range candidates {
		if !failedBefore(d.ID) {
			out = append(out, d)
		}
	}
	return out
}
