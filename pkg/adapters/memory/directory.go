package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
	"github.com/istresearch/rapidpro-sub000/pkg/rules"
)

// Resthooks implements ports.ResthookStore in memory.
type Resthooks struct {
	mu   sync.RWMutex
	subs map[string][]string
}

var _ ports.ResthookStore = (*Resthooks)(nil)

func NewResthooks() *Resthooks {
	return &Resthooks{subs: make(map[string][]string)}
}

// Subscribe adds url to resthook. Duplicates are ignored.
func (r *Resthooks) Subscribe(resthook, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.subs[resthook] {
		if u == url {
			return
		}
	}
	r.subs[resthook] = append(r.subs[resthook], url)
}

func (r *Resthooks) Subscribers(ctx context.Context, resthook string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.subs[resthook]...), nil
}

func (r *Resthooks) Unsubscribe(ctx context.Context, resthook, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[resthook][:0]
	for _, u := range r.subs[resthook] {
		if u != url {
			subs = append(subs, u)
		}
	}
	r.subs[resthook] = subs
	return nil
}

// Campaigns implements ports.CampaignStore in memory.
type Campaigns struct {
	mu    sync.Mutex
	fires map[string]*domain.CampaignFire
}

var _ ports.CampaignStore = (*Campaigns)(nil)

func NewCampaigns() *Campaigns {
	return &Campaigns{fires: make(map[string]*domain.CampaignFire)}
}

// Schedule adds a fire.
func (c *Campaigns) Schedule(fire domain.CampaignFire) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fires[fire.ID] = &fire
}

func (c *Campaigns) DueFires(ctx context.Context, flowUUID string, now time.Time) ([]domain.CampaignFire, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []domain.CampaignFire
	for _, f := range c.fires {
		if f.FlowUUID == flowUUID && f.FiredOn == nil && !f.Scheduled.After(now) {
			due = append(due, *f)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Scheduled.Equal(due[j].Scheduled) {
			return due[i].ID < due[j].ID
		}
		return due[i].Scheduled.Before(due[j].Scheduled)
	})
	return due, nil
}

func (c *Campaigns) MarkFired(ctx context.Context, fireID string, at time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.fires[fireID]
	if !ok || f.FiredOn != nil {
		return false, nil
	}
	f.FiredOn = &at
	return true, nil
}

func (c *Campaigns) PendingFlows(ctx context.Context, now time.Time) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := map[string]bool{}
	var flows []string
	for _, f := range c.fires {
		if f.FiredOn == nil && !f.Scheduled.After(now) && !seen[f.FlowUUID] {
			seen[f.FlowUUID] = true
			flows = append(flows, f.FlowUUID)
		}
	}
	sort.Strings(flows)
	return flows, nil
}

// Channels implements ports.ChannelStore in memory.
type Channels struct {
	mu      sync.RWMutex
	secrets map[string]string
}

var _ ports.ChannelStore = (*Channels)(nil)

func NewChannels(secrets map[string]string) *Channels {
	c := &Channels{secrets: make(map[string]string, len(secrets))}
	for k, v := range secrets {
		c.secrets[k] = v
	}
	return c
}

func (c *Channels) Secret(ctx context.Context, channelUUID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.secrets[channelUUID]
	if !ok {
		return "", domain.ErrChannelNotFound
	}
	return s, nil
}

// Locations is an in-memory boundary hierarchy matched by case-insensitive
// name or alias.
type Locations struct {
	boundaries []rules.Boundary
	aliases    map[string][]string
}

var _ rules.LocationResolver = (*Locations)(nil)

func NewLocations(boundaries ...rules.Boundary) *Locations {
	return &Locations{boundaries: boundaries, aliases: map[string][]string{}}
}

// Alias makes name resolve to the boundary with id.
func (l *Locations) Alias(id string, names ...string) {
	l.aliases[id] = append(l.aliases[id], names...)
}

func (l *Locations) FindBoundary(name string, level rules.BoundaryLevel, parent *rules.Boundary) *rules.Boundary {
	name = strings.TrimSpace(name)
	for i := range l.boundaries {
		b := &l.boundaries[i]
		if b.Level != level || (parent != nil && b.ParentID != parent.ID) {
			continue
		}
		if strings.EqualFold(b.Name, name) {
			return b
		}
		for _, alias := range l.aliases[b.ID] {
			if strings.EqualFold(alias, name) {
				return b
			}
		}
	}
	return nil
}
