package rethink

import (
	"context"
	"errors"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/golang/glog"
)

// Query is a backend-defined filter narrowing which rows a client watches
// or patches. Opaque to this package.
type Query map[string]any

// QuerySource is a live, re-issuable query. Every new value re-issues the
// registration handshake on the same change channel.
type QuerySource = Watchable[Query]

func NewQuerySource(initial Query) *QuerySource {
	return NewWatchableValue(initial)
}

// connection state machine is:
// StateIdle
//
//	-> StateConnecting
//	  -> StateRegistering
//	    -> StateLive
//	    -> StateFailed (terminal)
//	-> StateClosed (terminal, from any non-failed state)
type ConnectionState string

const (
	StateIdle        ConnectionState = "Idle"
	StateConnecting  ConnectionState = "Connecting"
	StateRegistering ConnectionState = "Registering"
	StateLive        ConnectionState = "Live"
	StateFailed      ConnectionState = "Failed"
	StateClosed      ConnectionState = "Closed"
)

func (self ConnectionState) IsTerminal() bool {
	switch self {
	case StateFailed, StateClosed:
		return true
	default:
		return false
	}
}

// ErrClosed is returned by mutation commands issued after the collection
// was closed. Raised locally, before any network call.
var ErrClosed = errors.New("channel closed")

const registerMessageName = "register"

type registerScope struct {
	Table string `json:"table"`
	Query Query  `json:"query,omitempty"`
}

type registerAck struct {
	Err string `json:"err,omitempty"`
	Msj string `json:"msj,omitempty"`
}

// IndexSelector removes by a secondary index instead of the id field.
type IndexSelector struct {
	IndexName  string
	IndexValue any
}

type indexQuery struct {
	Index string `json:"index"`
	Value any    `json:"value"`
}

type createCommandArgs struct {
	Db     string `json:"db"`
	Table  string `json:"table"`
	ApiKey string `json:"api_key"`
	Object Entity `json:"object"`
}

type deleteCommandArgs struct {
	Db     string     `json:"db"`
	Table  string     `json:"table"`
	ApiKey string     `json:"api_key"`
	Query  indexQuery `json:"query"`
}

type updateCommandArgs struct {
	Db     string `json:"db"`
	Table  string `json:"table"`
	ApiKey string `json:"api_key"`
	Object Entity `json:"object"`
	Query  Query  `json:"query,omitempty"`
}

type CommandCallback apiCallback[CommandResult]

type CollectionSettings struct {
	EventBufferSize int
	ChannelSettings *ChannelSettings
	// ChannelDialer overrides the websocket dialer. For tests.
	ChannelDialer ChannelDialer
	// CommandChannel overrides the http command channel. For tests.
	CommandChannel CommandChannel
}

func DefaultCollectionSettings() *CollectionSettings {
	return &CollectionSettings{
		EventBufferSize: 32,
		ChannelSettings: DefaultChannelSettings(),
	}
}

// Collection keeps a local ordered snapshot of one remote table in sync with
// the backend's change feed, and exposes mutation commands over a separate
// request channel.
//
// The snapshot only ever updates via change events. A Push is not reconciled
// locally; its visible effect arrives asynchronously as the Inserted event it
// is expected to trigger, and may race with the push's own response.
type Collection struct {
	ctx    context.Context
	cancel context.CancelFunc

	config      *Config
	table       string
	querySource *QuerySource
	settings    *CollectionSettings

	dialChannel ChannelDialer
	commands    CommandChannel

	snapshots *Watchable[Snapshot]
	events    chan []byte

	mutex          sync.Mutex
	state          ConnectionState
	channel        ChangeChannel
	stopListen     func()
	stopQueryWatch func()
	terminalErr    error
}

func NewCollection(config *Config, table string) *Collection {
	return NewCollectionWithContext(context.Background(), config, table, nil, DefaultCollectionSettings())
}

func NewCollectionWithContext(
	ctx context.Context,
	config *Config,
	table string,
	querySource *QuerySource,
	settings *CollectionSettings,
) *Collection {
	cancelCtx, cancel := context.WithCancel(ctx)

	collection := &Collection{
		ctx:         cancelCtx,
		cancel:      cancel,
		config:      config,
		table:       table,
		querySource: querySource,
		settings:    settings,
		snapshots:   NewWatchableValue(Snapshot{}),
		events:      make(chan []byte, settings.EventBufferSize),
		state:       StateIdle,
	}

	collection.dialChannel = settings.ChannelDialer
	if collection.dialChannel == nil {
		collection.dialChannel = func(ctx context.Context, config *Config) (ChangeChannel, error) {
			return DialChangeChannel(ctx, config, settings.ChannelSettings)
		}
	}
	collection.commands = settings.CommandChannel
	if collection.commands == nil {
		collection.commands = NewHttpCommandChannel(config)
	}

	collection.snapshots.setHooks(collection.onFirstSubscribe, collection.onLastUnsubscribe)
	return collection
}

func (self *Collection) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// Latest returns the most recently published snapshot, or the terminal error.
func (self *Collection) Latest() (Snapshot, error) {
	return self.snapshots.Latest()
}

// Subscribe delivers the latest snapshot to the callback immediately, then
// every snapshot after a change event is folded in. The first subscriber
// opens the connection; the last unsubscribe tears it down. Replays the
// latest value only, never history.
func (self *Collection) Subscribe(callback func(Snapshot, error)) func() {
	return self.snapshots.Subscribe(callback)
}

// Close tears down the connection. Terminal.
func (self *Collection) Close() {
	self.teardown(StateClosed, nil)
}

// visible first/last-subscriber hooks for the lazy connection

func (self *Collection) onFirstSubscribe() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state != StateIdle {
		return
	}
	self.state = StateConnecting
	go self.run()
}

func (self *Collection) onLastUnsubscribe() {
	self.Close()
}

func (self *Collection) run() {
	self.config.apiKeyExpiryWarning()

	channel, err := self.dialChannel(self.ctx, self.config)
	if err != nil {
		glog.Infof("[c]%s connect error = %s\n", self.table, err)
		self.fail(err)
		return
	}

	self.mutex.Lock()
	if self.state != StateConnecting {
		// closed while dialing
		self.mutex.Unlock()
		channel.Close()
		return
	}
	self.channel = channel
	self.stopListen = channel.Listen(self.table, self.enqueueEvent)
	self.state = StateRegistering
	self.mutex.Unlock()

	go self.fold()

	// the initial handshake and every re-issue from the live query source.
	// query updates are conflated; only the latest filter matters.
	queryUpdates := make(chan Query, 1)
	if self.querySource != nil {
		stopQueryWatch := self.querySource.Subscribe(func(query Query, err error) {
			if err != nil {
				return
			}
			select {
			case <-queryUpdates:
			default:
			}
			queryUpdates <- query
		})
		self.mutex.Lock()
		terminal := self.state.IsTerminal()
		if !terminal {
			self.stopQueryWatch = stopQueryWatch
		}
		self.mutex.Unlock()
		if terminal {
			stopQueryWatch()
			return
		}
	} else {
		queryUpdates <- nil
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		case query := <-queryUpdates:
			if err := self.register(query); err != nil {
				glog.Infof("[c]%s register error = %s\n", self.table, err)
				self.fail(err)
				return
			}
		}
	}
}

func (self *Collection) register(query Query) error {
	self.mutex.Lock()
	channel := self.channel
	self.mutex.Unlock()
	if channel == nil {
		return ErrClosed
	}

	payload := []any{
		self.config,
		&registerScope{
			Table: self.table,
			Query: query,
		},
	}
	ackBytes, err := channel.Request(self.ctx, registerMessageName, payload)
	if err != nil {
		return err
	}

	ack := &registerAck{}
	if len(ackBytes) > 0 {
		if err := json.Unmarshal(ackBytes, ack); err != nil {
			return err
		}
	}
	if ack.Err != "" {
		return errors.New(ack.Err)
	}
	glog.V(1).Infof("[c]%s registered: %s\n", self.table, ack.Msj)

	self.mutex.Lock()
	if self.state == StateRegistering {
		self.state = StateLive
	}
	self.mutex.Unlock()
	return nil
}

func (self *Collection) enqueueEvent(payload []byte) {
	select {
	case <-self.ctx.Done():
	case self.events <- payload:
	}
}

// fold applies change events strictly sequentially in arrival order.
// Event n+1 is applied only after event n has been folded and published.
func (self *Collection) fold() {
	snapshot := Snapshot{}
	for {
		select {
		case <-self.ctx.Done():
			return
		case messageBytes := <-self.events:
			event, err := parseChangeEvent(messageBytes)
			if err != nil {
				glog.Infof("[c]%s malformed change event = %s\n", self.table, err)
				continue
			}
			if event.Type.IsTerminal() {
				glog.Infof("[c]%s stream error = %s\n", self.table, event.Err)
				self.fail(event.Err)
				return
			}
			next, changed := applySnapshot(snapshot, event)
			snapshot = next
			if changed {
				self.snapshots.Set(next)
			}
		}
	}
}

func (self *Collection) fail(err error) {
	self.teardown(StateFailed, err)
}

func (self *Collection) teardown(state ConnectionState, err error) {
	self.mutex.Lock()
	if self.state.IsTerminal() {
		self.mutex.Unlock()
		return
	}
	self.state = state
	self.terminalErr = err
	channel := self.channel
	self.channel = nil
	stopListen := self.stopListen
	self.stopListen = nil
	stopQueryWatch := self.stopQueryWatch
	self.stopQueryWatch = nil
	self.mutex.Unlock()

	self.cancel()
	if stopListen != nil {
		stopListen()
	}
	if stopQueryWatch != nil {
		stopQueryWatch()
	}
	if channel != nil {
		channel.Close()
	}

	if state == StateFailed {
		self.snapshots.Fail(err)
	} else {
		self.snapshots.Close()
	}
}

// commandState rejects commands in a terminal state before any network call.
// Commands are otherwise allowed in any state, including before the
// handshake completes.
func (self *Collection) commandState() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	switch self.state {
	case StateClosed:
		return ErrClosed
	case StateFailed:
		return self.terminalErr
	default:
		return nil
	}
}

// Push inserts an entity through the create endpoint. The result is the
// backend's raw response; the local snapshot updates only via the change
// feed.
func (self *Collection) Push(ctx context.Context, entity Entity) (CommandResult, error) {
	if err := self.commandState(); err != nil {
		return nil, err
	}
	return self.commands.Call(ctx, CommandCreate, &createCommandArgs{
		Db:     self.config.Database,
		Table:  self.table,
		ApiKey: self.config.APIKey,
		Object: entity,
	})
}

// Remove deletes by selector: a bare identifier selects on the "id" index,
// an IndexSelector names the index explicitly.
func (self *Collection) Remove(ctx context.Context, selector any) (CommandResult, error) {
	if err := self.commandState(); err != nil {
		return nil, err
	}
	query := indexQuery{
		Index: "id",
		Value: selector,
	}
	switch s := selector.(type) {
	case IndexSelector:
		query = indexQuery{
			Index: s.IndexName,
			Value: s.IndexValue,
		}
	case *IndexSelector:
		query = indexQuery{
			Index: s.IndexName,
			Value: s.IndexValue,
		}
	}
	return self.commands.Call(ctx, CommandDelete, &deleteCommandArgs{
		Db:     self.config.Database,
		Table:  self.table,
		ApiKey: self.config.APIKey,
		Query:  query,
	})
}

// Update patches an entity, optionally narrowed by a backend-defined query.
// A missing identifier is reported by the backend inside the response
// payload, not as an error.
func (self *Collection) Update(ctx context.Context, entity Entity, query Query) (CommandResult, error) {
	if err := self.commandState(); err != nil {
		return nil, err
	}
	return self.commands.Call(ctx, CommandUpdate, &updateCommandArgs{
		Db:     self.config.Database,
		Table:  self.table,
		ApiKey: self.config.APIKey,
		Object: entity,
		Query:  query,
	})
}

func (self *Collection) PushWithCallback(entity Entity, callback CommandCallback) {
	go func() {
		result, err := self.Push(self.ctx, entity)
		callback.Result(result, err)
	}()
}

func (self *Collection) RemoveWithCallback(selector any, callback CommandCallback) {
	go func() {
		result, err := self.Remove(self.ctx, selector)
		callback.Result(result, err)
	}()
}

func (self *Collection) UpdateWithCallback(entity Entity, query Query, callback CommandCallback) {
	go func() {
		result, err := self.Update(self.ctx, entity, query)
		callback.Result(result, err)
	}()
}
