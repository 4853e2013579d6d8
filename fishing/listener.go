package fishing

import (
	"context"

	"github.com/tidwall/gjson"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/aisrelay/ais"
	"github.com/coder/aisrelay/pubsub"
)

// DefaultEventChannel is the pubsub channel carrying vessel registry events.
const DefaultEventChannel = "vessel_registry_events"

// Registry events that update fishing membership. Others are ignored.
const (
	EventUpdatedAsset = "Updated Asset"
	EventMergedAsset  = "Merged Asset"
)

// Listener applies vessel registry change events to a Set. An event is a
// JSON object with an "event" name and the asset either nested under
// "asset" or at the top level:
//
//	{"event":"Updated Asset","asset":{"mmsi":"261061000","vesselType":"Fishing"}}
type Listener struct {
	log     slog.Logger
	set     *Set
	ps      pubsub.Pubsub
	channel string

	cancel func()
}

func NewListener(log slog.Logger, set *Set, ps pubsub.Pubsub, channel string) *Listener {
	if channel == "" {
		channel = DefaultEventChannel
	}
	return &Listener{log: log, set: set, ps: ps, channel: channel}
}

// Start subscribes to the event channel.
func (l *Listener) Start() error {
	cancel, err := l.ps.SubscribeWithErr(l.channel, l.handle)
	if err != nil {
		return xerrors.Errorf("subscribe to %q: %w", l.channel, err)
	}
	l.cancel = cancel
	return nil
}

func (l *Listener) Close() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *Listener) handle(ctx context.Context, message []byte, err error) {
	if err != nil {
		l.log.Warn(ctx, "vessel registry events may have been missed", slog.Error(err))
		return
	}
	if !gjson.ValidBytes(message) {
		l.log.Warn(ctx, "ignoring malformed vessel registry event", slog.F("message", string(message)))
		return
	}
	event := gjson.GetBytes(message, "event").String()
	if event != EventUpdatedAsset && event != EventMergedAsset {
		return
	}

	asset := gjson.GetBytes(message, "asset")
	if !asset.IsObject() {
		asset = gjson.ParseBytes(message)
	}
	mmsi := asset.Get("mmsi").String()
	if mmsi == "" {
		l.log.Debug(ctx, "vessel registry event without mmsi", slog.F("event", event))
		return
	}

	vesselType := asset.Get("vesselType").String()
	switch {
	case vesselType == ais.ShipTypeFishing:
		l.log.Debug(ctx, "adding fishing vessel", slog.F("mmsi", mmsi), slog.F("event", event))
		l.set.Add(mmsi)
	case l.set.Contains(mmsi):
		l.log.Debug(ctx, "removing fishing vessel",
			slog.F("mmsi", mmsi),
			slog.F("vessel_type", vesselType),
			slog.F("event", event),
		)
		l.set.Remove(mmsi)
	}
}
