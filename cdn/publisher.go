// Package cdn publishes finished artifacts into a content area with a bounded
// lifetime and hands out direct and presigned links to them.
package cdn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fileconv/models"
	"fileconv/services"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrInvalidToken is returned for unknown, used or expired presign tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

const idLen = 36 // uuid string form

// consumeTokenScript deletes a token only when the presented expiry matches
// the one it was issued with, and returns the artifact id it grants.
// KEYS: token key
// ARGV: expiry (unix seconds)
var consumeTokenScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return false
end
local sep = string.find(v, ':', 1, true)
if not sep or string.sub(v, sep + 1) ~= ARGV[1] then
	return false
end
redis.call('DEL', KEYS[1])
return string.sub(v, 1, sep - 1)
`)

// ContentStore holds artifact bytes. Implemented by DiskStore and services.S3Service.
type ContentStore interface {
	Put(ctx context.Context, key, srcPath string) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	PublicURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Presigned is a single-use link to an artifact.
type Presigned struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Publisher keeps artifact metadata in Redis next to the content store.
// Metadata lives under a key whose TTL is the artifact lifetime; an expiry
// index lets SweepExpired visit only what is due.
type Publisher struct {
	rdb        *redis.Client
	keys       services.Keys
	store      ContentStore
	publicBase string
	log        *zap.Logger
	now        func() time.Time
}

func NewPublisher(rdb *redis.Client, keys services.Keys, store ContentStore, publicBase string, log *zap.Logger) *Publisher {
	return &Publisher{
		rdb:        rdb,
		keys:       keys,
		store:      store,
		publicBase: strings.TrimRight(publicBase, "/"),
		log:        log,
		now:        time.Now,
	}
}

// Publish copies sourcePath into the content area and records its metadata.
func (p *Publisher) Publish(ctx context.Context, sourcePath, fileName, mimeType string, ttlHours int) (*models.CDNFile, error) {
	if ttlHours <= 0 {
		return nil, fmt.Errorf("ttlHours must be positive, got %d", ttlHours)
	}
	id := uuid.NewString()
	key := id + "-" + SanitizeFileName(fileName)
	ttl := time.Duration(ttlHours) * time.Hour

	size, err := p.store.Put(ctx, key, sourcePath)
	if err != nil {
		return nil, err
	}

	cdnURL, err := p.store.PublicURL(ctx, key, ttl)
	if err != nil {
		p.removeContent(ctx, key)
		return nil, err
	}

	now := p.now()
	file := &models.CDNFile{
		ID:        id,
		URL:       p.publicBase + "/download?file=" + url.QueryEscape(id),
		CDNURL:    cdnURL,
		FileName:  fileName,
		FilePath:  key,
		FileSize:  size,
		MimeType:  mimeType,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	data, err := json.Marshal(file)
	if err != nil {
		p.removeContent(ctx, key)
		return nil, fmt.Errorf("failed to marshal artifact: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, p.keys.CDNFile(id), data, ttl)
	pipe.ZAdd(ctx, p.keys.CDNExpiry(), redis.Z{Score: float64(file.ExpiresAt.UnixMilli()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		p.removeContent(ctx, key)
		return nil, fmt.Errorf("failed to record artifact: %w", err)
	}

	p.log.Debug("Published artifact", zap.String("file_id", id), zap.Int64("size", size))
	return file, nil
}

// Get returns live artifact metadata. An artifact past its expiresAt is
// deleted on the spot and reported as services.ErrNotFound.
func (p *Publisher) Get(ctx context.Context, id string) (*models.CDNFile, error) {
	file, err := p.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if file.Expired(p.now()) {
		if err := p.Delete(ctx, id); err != nil {
			p.log.Warn("Failed to delete expired artifact", zap.String("file_id", id), zap.Error(err))
		}
		return nil, services.ErrNotFound
	}
	return file, nil
}

// Open returns the artifact and a reader over its bytes.
func (p *Publisher) Open(ctx context.Context, id string) (*models.CDNFile, io.ReadCloser, error) {
	file, err := p.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := p.store.Open(ctx, file.FilePath)
	if errors.Is(err, services.ErrNotFound) {
		// Content vanished under the metadata; drop the record too.
		_ = p.Delete(ctx, id)
		return nil, nil, services.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return file, rc, nil
}

// Presign issues a single-use token for id valid for expiryMinutes.
func (p *Publisher) Presign(ctx context.Context, id string, expiryMinutes int) (*Presigned, error) {
	if expiryMinutes <= 0 {
		return nil, fmt.Errorf("expiryMinutes must be positive, got %d", expiryMinutes)
	}
	if _, err := p.Get(ctx, id); err != nil {
		return nil, err
	}

	token := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	ttl := time.Duration(expiryMinutes) * time.Minute
	expiresAt := p.now().Add(ttl).Truncate(time.Second)
	expires := strconv.FormatInt(expiresAt.Unix(), 10)

	if err := p.rdb.Set(ctx, p.keys.CDNToken(token), id+":"+expires, ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	q := url.Values{}
	q.Set("file", id)
	q.Set("token", token)
	q.Set("expires", expires)
	return &Presigned{
		URL:       p.publicBase + "/download?" + q.Encode(),
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// Validate consumes token and returns the artifact id it grants. expires is
// the expiry the caller presented; it must match the one the token was issued
// with, and a mismatch leaves the token usable.
func (p *Publisher) Validate(ctx context.Context, token string, expires time.Time) (string, error) {
	if token == "" || p.now().After(expires) {
		return "", ErrInvalidToken
	}
	id, err := consumeTokenScript.Run(ctx, p.rdb,
		[]string{p.keys.CDNToken(token)},
		strconv.FormatInt(expires.Unix(), 10),
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to check token: %w", err)
	}
	return id, nil
}

// Delete removes the artifact bytes and its metadata. Missing pieces are fine.
func (p *Publisher) Delete(ctx context.Context, id string) error {
	file, err := p.load(ctx, id)
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		return err
	}
	if file != nil {
		if err := p.store.Remove(ctx, file.FilePath); err != nil {
			return fmt.Errorf("failed to remove artifact %s: %w", id, err)
		}
	}

	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, p.keys.CDNFile(id))
	if file != nil {
		pipe.ZRem(ctx, p.keys.CDNExpiry(), file.FilePath)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// SweepExpired deletes every artifact whose expiresAt is strictly before now
// and returns how many it removed. Index scores are unix milliseconds.
func (p *Publisher) SweepExpired(ctx context.Context) (int, error) {
	due, err := p.rdb.ZRangeByScore(ctx, p.keys.CDNExpiry(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(p.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired artifacts: %w", err)
	}

	removed := 0
	for _, key := range due {
		if err := p.store.Remove(ctx, key); err != nil {
			p.log.Warn("Failed to remove expired artifact", zap.String("key", key), zap.Error(err))
			continue
		}
		pipe := p.rdb.TxPipeline()
		if len(key) >= idLen {
			pipe.Del(ctx, p.keys.CDNFile(key[:idLen]))
		}
		pipe.ZRem(ctx, p.keys.CDNExpiry(), key)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("failed to drop artifact record: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (p *Publisher) load(ctx context.Context, id string) (*models.CDNFile, error) {
	data, err := p.rdb.Get(ctx, p.keys.CDNFile(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact %s: %w", id, err)
	}
	var file models.CDNFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact %s: %w", id, err)
	}
	return &file, nil
}

func (p *Publisher) removeContent(ctx context.Context, key string) {
	if err := p.store.Remove(ctx, key); err != nil {
		p.log.Warn("Failed to remove orphaned artifact", zap.String("key", key), zap.Error(err))
	}
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFileName reduces a user-supplied name to a safe single path element.
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if len(name) > 100 {
		ext := filepath.Ext(name)
		if len(ext) > 10 {
			ext = ""
		}
		name = name[:100-len(ext)] + ext
	}
	if name == "" || name == "_" {
		return "file"
	}
	return name
}
