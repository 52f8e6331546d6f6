package xmap

// WorkerMap, DatabaseMap, and ChunkMap are keyed specializations of Map
// whose operations carry the keyed name for call-site clarity, per spec
// §4.2 ("WorkerMap<V>, DatabaseMap<V>, ChunkMap<V> ... whose at*/get*/
// *Exists/*Names operations carry the keyed name"). They're thin wrappers
// rather than distinct generated types, since Go generics make a single
// Map[string,V] or Map[int32,V] sufficient underneath.

// WorkerMap keys by worker hostname.
type WorkerMap[V any] struct{ Map[string, V] }

func NewWorkerMap[V any]() *WorkerMap[V] { return &WorkerMap[V]{*NewMap[string, V]()} }

func (m *WorkerMap[V]) AtWorker(worker string) V           { return m.At(worker) }
func (m *WorkerMap[V]) GetWorker(worker string) (V, error) { return m.Get(worker) }
func (m *WorkerMap[V]) WorkerExists(worker string) bool    { return m.Exists(worker) }
func (m *WorkerMap[V]) WorkerNames() []string              { return m.Keys() }

// DatabaseMap keys by database name.
type DatabaseMap[V any] struct{ Map[string, V] }

func NewDatabaseMap[V any]() *DatabaseMap[V] { return &DatabaseMap[V]{*NewMap[string, V]()} }

func (m *DatabaseMap[V]) AtDatabase(db string) V           { return m.At(db) }
func (m *DatabaseMap[V]) GetDatabase(db string) (V, error) { return m.Get(db) }
func (m *DatabaseMap[V]) DatabaseExists(db string) bool    { return m.Exists(db) }
func (m *DatabaseMap[V]) DatabaseNames() []string          { return m.Keys() }

// ChunkMap keys by chunk ID.
type ChunkMap[V any] struct{ Map[int32, V] }

func NewChunkMap[V any]() *ChunkMap[V] { return &ChunkMap[V]{*NewMap[int32, V]()} }

func (m *ChunkMap[V]) AtChunk(chunk int32) V           { return m.At(chunk) }
func (m *ChunkMap[V]) GetChunk(chunk int32) (V, error) { return m.Get(chunk) }
func (m *ChunkMap[V]) ChunkExists(chunk int32) bool    { return m.Exists(chunk) }
func (m *ChunkMap[V]) ChunkIDs() []int32               { return m.Keys() }
