// Package bridge implements the persistence bridge: the component
// that turns inbound data/FOI/description events into writes against
// the database facade, maintaining the system-UID and per-system
// current-FOI caches that let repeated events from the same producer
// skip redundant lookups.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"obshub.dev/hub/datastream"
	"obshub.dev/hub/eventbus"
	"obshub.dev/hub/feature"
	"obshub.dev/hub/foi"
	"obshub.dev/hub/hub"
	"obshub.dev/hub/obserr"
	"obshub.dev/hub/obslog"
	"obshub.dev/hub/observation"
	"obshub.dev/hub/system"
)

var log = obslog.Component("bridge")

// Record is one row of a DataEvent: a decoded result block plus an
// optional explicit phenomenonTime (used when the event source already
// resolved it, bypassing the schema indexer).
type Record struct {
	Fields         map[string]any
	PhenomenonTime *time.Time
}

// DataEvent is a producer's data submission for one output.
type DataEvent struct {
	SystemUID      string
	OutputName     string
	FoiUID         string // empty means "absent" (inherit cached current FOI)
	RecordStruct   datastream.RecordField
	RecordEncoding string
	Records        []Record
	Timestamp      time.Time // fallback phenomenonTime/resultTime
}

// FoiEvent upserts a feature of interest and becomes the system's
// current FOI for subsequent data events that carry no FOI UID.
type FoiEvent struct {
	SystemUID string
	Foi       foi.FOI
}

// DescriptionEvent carries an updated system description; the bridge
// only stores a new version when the SensorML version or description
// actually differs from the stored latest.
type DescriptionEvent struct {
	SystemUID   string
	Name        string
	Description string
	SMLVersion  string
	Properties  map[string]any
}

type systemState struct {
	mu         sync.Mutex
	currentFoi int64 // observation.NoFOI until a FoiEvent arrives
}

// Bridge owns the system-UID and current-FOI-per-system caches (the
// latter protected by a per-system lock) and dispatches inbound events
// onto the database facade, announcing successes on the event bus
// under its "urn:osh:system:<uid>[/<output>]" topic scheme.
type Bridge struct {
	hub *hub.Hub
	bus *eventbus.Bus

	uidCacheMu sync.Mutex
	uidCache   map[string]int64 // system UID -> internalID

	systemsMu sync.Mutex
	systems   map[int64]*systemState

	indexMu sync.Mutex
	indexes map[int64]timeIndexer // dataStreamID -> cached phenomenonTime extractor
}

// New builds a Bridge over h, publishing notifications on bus.
func New(h *hub.Hub, bus *eventbus.Bus) *Bridge {
	return &Bridge{
		hub:     h,
		bus:     bus,
		uidCache: make(map[string]int64),
		systems:  make(map[int64]*systemState),
		indexes:  make(map[int64]timeIndexer),
	}
}

func (b *Bridge) stateFor(systemID int64) *systemState {
	b.systemsMu.Lock()
	defer b.systemsMu.Unlock()
	st, ok := b.systems[systemID]
	if !ok {
		st = &systemState{currentFoi: observation.NoFOI}
		b.systems[systemID] = st
	}
	return st
}

// resolveSystem implements step 1: cache lookup, falling back to a
// feature-store lookup, falling back to auto-creating a bare system
// entity named after its UID.
func (b *Bridge) resolveSystem(uid string) (int64, error) {
	b.uidCacheMu.Lock()
	if id, ok := b.uidCache[uid]; ok {
		b.uidCacheMu.Unlock()
		return id, nil
	}
	b.uidCacheMu.Unlock()

	if existing, err := b.hub.Systems.GetCurrentVersion(feature.ByUID(uid)); err == nil {
		b.cacheSystem(uid, existing.Meta())
		return b.systemIDFor(uid)
	} else if !obserr.Is(err, obserr.KindNotFound) {
		return 0, err
	}

	key, err := b.hub.Systems.Add(system.System{UID: uid, Name: uid}, time.Time{})
	if err != nil {
		return 0, err
	}
	b.setCachedID(uid, key.InternalID)
	return key.InternalID, nil
}

func (b *Bridge) systemIDFor(uid string) (int64, error) {
	b.uidCacheMu.Lock()
	defer b.uidCacheMu.Unlock()
	id, ok := b.uidCache[uid]
	if !ok {
		return 0, obserr.New(obserr.KindDataStore, "bridge.systemIDFor", fmt.Errorf("uid cache miss after resolve: %s", uid))
	}
	return id, nil
}

func (b *Bridge) cacheSystem(uid string, meta feature.Meta) {
	// meta carries no internal ID; re-resolve it via GetCurrentVersionKey
	// so the cache holds the real internal ID rather than guessing.
	key, err := b.hub.Systems.GetCurrentVersionKey(feature.ByUID(uid))
	if err != nil {
		return
	}
	b.setCachedID(uid, key.InternalID)
}

func (b *Bridge) setCachedID(uid string, id int64) {
	b.uidCacheMu.Lock()
	b.uidCache[uid] = id
	b.uidCacheMu.Unlock()
}

// resolveFoi implements step 3: known UID -> its internalID; unknown
// UID -> error (the event should be rejected, not the whole stream);
// absent UID -> the system's cached current FOI, defaulting to
// observation.NoFOI.
func (b *Bridge) resolveFoi(systemID int64, foiUID string) (int64, error) {
	if foiUID == "" {
		return b.stateFor(systemID).currentFoi, nil
	}
	f, err := b.hub.Fois.GetCurrentVersionKey(feature.ByUID(foiUID))
	if err != nil {
		if obserr.Is(err, obserr.KindNotFound) {
			return 0, obserr.New(obserr.KindNotFound, "bridge.resolveFoi", fmt.Errorf("unknown foi uid: %s", foiUID))
		}
		return 0, err
	}
	return f.InternalID, nil
}

func (b *Bridge) indexerFor(dataStreamID int64, structure datastream.RecordField, rebuild bool) timeIndexer {
	b.indexMu.Lock()
	defer b.indexMu.Unlock()
	if idx, ok := b.indexes[dataStreamID]; ok && !rebuild {
		return idx
	}
	idx := buildTimeIndexer(structure)
	b.indexes[dataStreamID] = idx
	return idx
}

// HandleDataEvent resolves the system, registers/looks up the data
// stream, resolves the active FOI, and records each observation, all
// under the facade's write lock so a concurrent FOI event for the same
// system cannot interleave partway through.
func (b *Bridge) HandleDataEvent(ev DataEvent) error {
	return b.hub.WithWriteLock(func() error {
		systemID, err := b.resolveSystem(ev.SystemUID)
		if err != nil {
			return err
		}

		dsKey, outcome, err := b.hub.DataStreams.Register(systemID, ev.OutputName, ev.RecordStruct, ev.RecordEncoding)
		if err != nil {
			return err
		}
		idx := b.indexerFor(dsKey.InternalID, ev.RecordStruct, outcome != datastream.OutcomeNoOp)

		foiID, err := b.resolveFoi(systemID, ev.FoiUID)
		if err != nil {
			log.WithError(err).WithField("system", ev.SystemUID).Warn("rejecting data event: unresolved foi")
			return err
		}

		for _, rec := range ev.Records {
			phenomenonTime := ev.Timestamp
			if rec.PhenomenonTime != nil {
				phenomenonTime = *rec.PhenomenonTime
			} else if t, ok := idx(rec.Fields); ok {
				phenomenonTime = t
			}
			resultTime := ev.Timestamp

			obs := observation.ObsData{PhenomenonTime: phenomenonTime, ResultTime: resultTime, ResultBlock: rec.Fields}
			if _, err := b.hub.Observations.Add(dsKey.InternalID, foiID, resultTime, obs); err != nil {
				return err
			}
			if err := b.hub.DataStreams.ExtendObservedTimeRange(dsKey.InternalID, phenomenonTime, resultTime); err != nil {
				return err
			}
		}

		b.publish(ev.SystemUID, ev.OutputName, ev)
		return nil
	})
}

// HandleFoiEvent upserts the feature and updates the per-system
// current-FOI cache.
func (b *Bridge) HandleFoiEvent(ev FoiEvent) error {
	return b.hub.WithWriteLock(func() error {
		systemID, err := b.resolveSystem(ev.SystemUID)
		if err != nil {
			return err
		}

		var key feature.Key
		if _, getErr := b.hub.Fois.GetCurrentVersion(feature.ByUID(ev.Foi.UID)); getErr == nil {
			key, err = b.hub.Fois.AddVersion(ev.Foi)
		} else if obserr.Is(getErr, obserr.KindNotFound) {
			key, err = b.hub.Fois.Add(ev.Foi, time.Time{})
		} else {
			return getErr
		}
		if err != nil {
			return err
		}

		st := b.stateFor(systemID)
		st.mu.Lock()
		st.currentFoi = key.InternalID
		st.mu.Unlock()

		b.publish(ev.SystemUID, "", ev)
		return nil
	})
}

// HandleDescriptionEvent stores a new system version only if the
// SensorML content actually changed.
func (b *Bridge) HandleDescriptionEvent(ev DescriptionEvent) error {
	return b.hub.WithWriteLock(func() error {
		current, err := b.hub.Systems.GetCurrentVersion(feature.ByUID(ev.SystemUID))
		if err != nil {
			if !obserr.Is(err, obserr.KindNotFound) {
				return err
			}
			_, addErr := b.hub.Systems.Add(system.System{
				UID: ev.SystemUID, Name: ev.Name, Description: ev.Description,
				SMLVersion: ev.SMLVersion, Properties: ev.Properties,
			}, time.Time{})
			return addErr
		}

		if current.SMLVersion == ev.SMLVersion && current.Description == ev.Description {
			return nil
		}

		updated := current
		updated.Name = ev.Name
		updated.Description = ev.Description
		updated.SMLVersion = ev.SMLVersion
		updated.Properties = ev.Properties
		_, err = b.hub.Systems.AddVersion(updated)
		if err == nil {
			b.publish(ev.SystemUID, "", ev)
		}
		return err
	})
}

func (b *Bridge) publish(systemUID, outputName string, event any) {
	if b.bus == nil {
		return
	}
	topic := "urn:osh:system:" + systemUID
	if outputName != "" {
		topic += "/" + outputName
	}
	b.bus.Publish(topic, event)
}

// Run consumes events until ctx is cancelled or events closes,
// dispatching each by dynamic type. On ctx cancellation Run stops
// pulling new events but waits for the event currently being handled
// to finish before returning.
func (b *Bridge) Run(ctx context.Context, events <-chan any) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if err := b.dispatch(ev); err != nil {
					log.WithError(err).Warn("bridge event handling failed")
				}
			}
		}
	})
	return g.Wait()
}

func (b *Bridge) dispatch(ev any) error {
	switch e := ev.(type) {
	case DataEvent:
		return b.HandleDataEvent(e)
	case FoiEvent:
		return b.HandleFoiEvent(e)
	case DescriptionEvent:
		return b.HandleDescriptionEvent(e)
	default:
		return obserr.New(obserr.KindInvalidRequest, "bridge.dispatch", fmt.Errorf("unrecognised event type %T", ev))
	}
}
