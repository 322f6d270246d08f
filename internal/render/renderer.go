package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/inklet-app/diagramchat/backend/internal/mermaid"
)

// sceneCacheSize bounds the converted-scene cache. Restores and final
// flushes re-render text that was just converted; conversion is the
// expensive step, so identical definitions are served from cache.
const sceneCacheSize = 32

// Publisher receives every successfully converted scene. The preview
// websocket hub implements it.
type Publisher interface {
	Publish(scene *mermaid.Scene)
}

// Renderer converts diagram definitions and publishes the result to the
// preview surface. It is the single entrypoint the throttle drives.
type Renderer struct {
	converter mermaid.Converter
	publisher Publisher
	logger    *zap.Logger
	cache     *lru.Cache[string, *mermaid.Scene]

	mu      sync.Mutex
	onValid func(definition string)
}

// NewRenderer wires the converter to the preview publisher.
func NewRenderer(converter mermaid.Converter, publisher Publisher, logger *zap.Logger) *Renderer {
	cache, err := lru.New[string, *mermaid.Scene](sceneCacheSize)
	if err != nil {
		panic(fmt.Sprintf("render: scene cache: %v", err))
	}
	return &Renderer{
		converter: converter,
		publisher: publisher,
		logger:    logger,
		cache:     cache,
	}
}

// OnValid registers a callback invoked with every definition that rendered
// successfully. The session uses it to track the last valid diagram text.
func (r *Renderer) OnValid(fn func(definition string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onValid = fn
}

// Render converts the definition (retrying once with substituted quotes) and
// publishes the scene. A conversion failure is returned to the caller; the
// previously published scene stays visible underneath.
func (r *Renderer) Render(ctx context.Context, definition string) error {
	scene, ok := r.cache.Get(definition)
	if !ok {
		start := time.Now()
		converted, err := mermaid.Parse(ctx, r.converter, definition)
		if err != nil {
			return err
		}
		r.logger.Debug("converted diagram",
			zap.Int("elements", len(converted.Elements)),
			zap.Duration("took", time.Since(start)))
		r.cache.Add(definition, converted)
		scene = converted
	}

	r.publisher.Publish(scene)

	r.mu.Lock()
	onValid := r.onValid
	r.mu.Unlock()
	if onValid != nil {
		onValid(definition)
	}
	return nil
}
