// Package registry is the process-wide collection of Upstreams and
// Channels: the frame-tick driver, the global mvd_active flag and its
// suspend timer, id/name lookup, and the periodic housekeeping sweep of
// closed recordings (SPEC_FULL.md §3).
package registry

import (
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/5l1v3r1/gtvcore/internal/archive"
	"github.com/5l1v3r1/gtvcore/internal/channel"
	"github.com/5l1v3r1/gtvcore/internal/config"
	"github.com/5l1v3r1/gtvcore/internal/demo"
	"github.com/5l1v3r1/gtvcore/internal/logging"
	"github.com/5l1v3r1/gtvcore/internal/ratelimit"
	"github.com/5l1v3r1/gtvcore/internal/upstream"
)

// Playable is the common entry point Registry uses to pop and deliver
// one replay frame from a Channel's delay buffer (§4.4). Every live
// Channel — network-driven or file-driven — is its own Playable.
type Playable interface {
	ReadFrame() (bool, error)
}

// Feeder is the entry point Registry uses to push one more record into
// a file-driven Channel's delay buffer (§4.5), the DemoSource analog of
// an Upstream handing a STREAM_DATA packet to Channel.Append.
type Feeder interface {
	Feed() (bool, error)
}

// Registry owns every Upstream and Channel in the process.
type Registry struct {
	mu sync.Mutex

	upstreams map[int]*upstream.Upstream
	channels  map[int]*channel.Channel
	playables map[int]Playable
	feeders   map[int]Feeder

	nextUpstreamID int
	nextChannelID  int
	dirty          bool

	active             bool
	lastSpectatorMS    int64
	suspendAfterMS     int64

	archiver *archive.Archiver
	cron     *cron.Cron
	log      *zap.Logger

	cmdLimiter       *ratelimit.StringCmd
	reconnectLimiter *ratelimit.Reconnect
}

// New builds a Registry from the effective configuration: the
// housekeeping cron schedule, the suspend timer, and (if
// cfg.Archive.Enabled) an S3 archiver for closed recordings.
func New(cfg *config.Config) *Registry {
	r := &Registry{
		upstreams:        make(map[int]*upstream.Upstream),
		channels:         make(map[int]*channel.Channel),
		playables:        make(map[int]Playable),
		feeders:          make(map[int]Feeder),
		active:           true,
		suspendAfterMS:   int64(cfg.SuspendTime) * 60 * 1000,
		log:              logging.Named("registry"),
		cmdLimiter:       ratelimit.NewStringCmd(cfg.RateLimit.StringCmdPerMinute),
		reconnectLimiter: ratelimit.NewReconnect(cfg.RateLimit.ReconnectBurst),
	}
	if cfg.Archive.Enabled {
		a, err := archive.New(cfg.Archive)
		if err != nil {
			r.log.Warn("archive disabled: failed to initialize", zap.Error(err))
		} else {
			r.archiver = a
		}
	}
	r.cron = cron.New()
	if cfg.HousekeepingCron != "" {
		_, err := r.cron.AddFunc(cfg.HousekeepingCron, func() {
			r.Housekeep(time.Duration(cfg.RecordingRetentionHours) * time.Hour)
		})
		if err != nil {
			r.log.Warn("housekeeping cron disabled: bad schedule", zap.String("expr", cfg.HousekeepingCron), zap.Error(err))
		} else {
			r.cron.Start()
		}
	}
	return r
}

// NextUpstreamID hands out the next upstream id.
func (r *Registry) NextUpstreamID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextUpstreamID++
	return r.nextUpstreamID
}

// NextChannelID hands out the next channel id, grounded on the
// original implementation's mvd_chanid counter.
func (r *Registry) NextChannelID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextChannelID++
	return r.nextChannelID
}

// Dirty/MarkDirty/ClearDirty realize the original implementation's
// mvd_dirty flag: something in the channel list changed shape (a
// channel was added or removed) since the last time a listener consumer
// (the CLI's "channels" command, or a spectator status broadcast)
// refreshed its view.
func (r *Registry) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

func (r *Registry) MarkDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

func (r *Registry) ClearDirty() {
	r.mu.Lock()
	r.dirty = false
	r.mu.Unlock()
}

// AddUpstream registers a network-driven Upstream/Channel pair.
func (r *Registry) AddUpstream(u *upstream.Upstream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u.Channel().SetCmdLimiter(r.cmdLimiter)
	r.upstreams[u.ID] = u
	r.channels[u.Channel().ID] = u.Channel()
	r.playables[u.Channel().ID] = u.Channel()
	r.dirty = true
}

// AddDemo registers a file-playlist-driven Channel/DemoSource pair: the
// Channel itself is the Playable (its delay buffer is popped and
// delivered every tick, exactly like a network Channel's), and the
// DemoSource is the Feeder pushing file records into that buffer.
func (r *Registry) AddDemo(id int, ch *channel.Channel, src *demo.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch.SetCmdLimiter(r.cmdLimiter)
	r.channels[id] = ch
	r.playables[id] = ch
	r.feeders[id] = src
	r.dirty = true
}

// Remove drops a channel (and its playable/feeder drivers) from the
// live set, e.g. once DemoSource.Done() or a Channel.Kill() has fired.
func (r *Registry) Remove(channelID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, channelID)
	delete(r.playables, channelID)
	delete(r.feeders, channelID)
	r.dirty = true
}

// UpstreamByToken resolves a user-facing token to an Upstream: a bare
// integer is an id, anything else is matched by name.
func (r *Registry) UpstreamByToken(token string) (*upstream.Upstream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, err := strconv.Atoi(token); err == nil {
		u, ok := r.upstreams[id]
		return u, ok
	}
	for _, u := range r.upstreams {
		if u.Name == token {
			return u, true
		}
	}
	return nil, false
}

// RemoveUpstream closes and forgets an Upstream, e.g. on an explicit
// operator "disconnect" — unlike a Dropped outcome, this Upstream will
// not be retried. Its Channel is only freed alongside it if the Channel
// was never promoted (§3 Lifecycles); a promoted Channel is unlinked
// and survives under its own id/name.
func (r *Registry) RemoveUpstream(id int) bool {
	r.mu.Lock()
	u, ok := r.upstreams[id]
	if ok {
		delete(r.upstreams, id)
		if !u.Channel().Promoted() {
			delete(r.channels, u.Channel().ID)
			delete(r.playables, u.Channel().ID)
			delete(r.feeders, u.Channel().ID)
		} else {
			u.Channel().UnlinkUpstream()
		}
		r.dirty = true
	}
	r.mu.Unlock()
	if ok {
		_ = u.Close()
	}
	return ok
}

// Lookup resolves a user-facing token to a Channel: a bare integer is
// an id, "@@" resolves to the most recently added channel (the
// original implementation's "current channel" shorthand), and anything
// else is matched by name.
func (r *Registry) Lookup(token string) (*channel.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token == "@@" {
		best := -1
		for id := range r.channels {
			if id > best {
				best = id
			}
		}
		if best < 0 {
			return nil, false
		}
		return r.channels[best], true
	}
	if id, err := strconv.Atoi(token); err == nil {
		ch, ok := r.channels[id]
		return ch, ok
	}
	for _, ch := range r.channels {
		if ch.Name == token {
			return ch, true
		}
	}
	return nil, false
}

// ForwardStringCmd resolves token to a Channel and relays text upstream
// on behalf of clientID (§4.3), rate-limited per-client by the
// Registry's shared internal/ratelimit.StringCmd throttle.
func (r *Registry) ForwardStringCmd(token, clientID, text string) error {
	ch, ok := r.Lookup(token)
	if !ok {
		return errors.Errorf("say: no such channel %q", token)
	}
	return ch.ForwardStringCmd(clientID, text)
}

// AllowReconnect reports whether a manual "connect" against addr is
// within the reconnect-pacing budget, absorbing an operator or script
// hammering connect faster than the protocol's own backoff would allow
// a dial attempt to actually resolve.
func (r *Registry) AllowReconnect(addr string) bool {
	return r.reconnectLimiter.Allow(addr)
}

// Channels returns a stable-ordered snapshot for the CLI's "channels"
// listing and the Prometheus exporter.
func (r *Registry) Channels() []*channel.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*channel.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upstreams returns a stable-ordered snapshot for the CLI's "servers"
// listing.
func (r *Registry) Upstreams() []*upstream.Upstream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*upstream.Upstream, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NoteSpectatorActivity refreshes the suspend timer: any spectator
// attach/detach/broadcast counts as activity, keeping mvd_active true.
func (r *Registry) NoteSpectatorActivity(nowMS int64) {
	r.mu.Lock()
	r.lastSpectatorMS = nowMS
	r.active = true
	r.mu.Unlock()
}

// Active reports the current global mvd_active flag.
func (r *Registry) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Tick drives every Upstream, every Feeder, and every Playable exactly
// once, in that order: Upstreams and Feeders push new records into a
// Channel's delay buffer, then every Playable pops and delivers
// whatever the buffer now holds. nowMS is a monotonic millisecond
// clock.
func (r *Registry) Tick(nowMS int64) {
	r.mu.Lock()
	if r.suspendAfterMS > 0 && r.active && nowMS-r.lastSpectatorMS > r.suspendAfterMS {
		r.active = false
	}
	active := r.active
	ups := make([]*upstream.Upstream, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		ups = append(ups, u)
	}
	feeders := make(map[int]Feeder, len(r.feeders))
	for id, f := range r.feeders {
		feeders[id] = f
	}
	playables := make(map[int]Playable, len(r.playables))
	for id, p := range r.playables {
		playables[id] = p
	}
	r.mu.Unlock()

	for _, u := range ups {
		outcome := u.Run(nowMS, active)
		switch outcome.Kind {
		case upstream.Dropped:
			r.log.Info("upstream dropped", zap.Int("id", u.ID), zap.String("reason", outcome.Reason))
		case upstream.Destroyed:
			r.log.Warn("upstream destroyed", zap.Int("id", u.ID), zap.String("reason", outcome.Reason))
			r.mu.Lock()
			delete(r.upstreams, u.ID)
			if !u.Promoted {
				delete(r.channels, u.Channel().ID)
				delete(r.playables, u.Channel().ID)
				delete(r.feeders, u.Channel().ID)
			} else {
				// A promoted Channel survives: it stays registered (and
				// reachable by name/id) for any attached spectators, it
				// just loses its upstream back-edge and STRINGCMD sender.
				u.Channel().UnlinkUpstream()
			}
			r.dirty = true
			r.mu.Unlock()
		}
	}

	for id, f := range feeders {
		if _, err := f.Feed(); err != nil {
			r.log.Warn("feeder fatal", zap.Int("channel_id", id), zap.Error(err))
			r.Remove(id)
			delete(playables, id)
		} else if d, ok := f.(interface{ Done() bool }); ok && d.Done() {
			// Loop count exhausted: playback has ended and the Channel
			// is Dead, so it leaves the live set.
			r.Remove(id)
			delete(playables, id)
		}
	}

	for id, p := range playables {
		if _, err := p.ReadFrame(); err != nil {
			r.log.Warn("playable fatal", zap.Int("channel_id", id), zap.Error(err))
			r.Remove(id)
		}
	}
}

// Housekeep sweeps closed (Dead) channels whose recordings were last
// modified longer ago than retention, optionally archiving each to S3
// first (§3 domain extension), and drops them from the registry. The
// recording file itself is left on local disk.
func (r *Registry) Housekeep(retention time.Duration) {
	for _, ch := range r.Channels() {
		rec := ch.Recorder()
		if rec == nil || ch.State != channel.Dead {
			continue
		}
		if info, err := os.Stat(rec.Path()); err == nil && time.Since(info.ModTime()) < retention {
			continue
		}
		if r.archiver != nil {
			if err := r.archiver.Upload(rec.Path()); err != nil {
				r.log.Warn("archive upload failed", zap.String("path", rec.Path()), zap.Error(err))
				continue
			}
		}
		r.Remove(ch.ID)
	}
}

// Close stops the housekeeping cron.
func (r *Registry) Close() {
	if r.cron != nil {
		r.cron.Stop()
	}
}
