package services

import "errors"

// ErrNotFound is returned when a record is absent or has expired.
var ErrNotFound = errors.New("not found")

// Keys is the Redis key layout shared by every component.
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

func (k Keys) Job(id string) string         { return k.prefix + "job:" + id }
func (k Keys) Progress(id string) string    { return k.prefix + "job:" + id + ":progress" }
func (k Keys) Result(id string) string      { return k.prefix + "job:" + id + ":result" }
func (k Keys) JobEvents(id string) string   { return k.prefix + "job:" + id + ":events" }
func (k Keys) JobsCreated() string          { return k.prefix + "jobs:created" }
func (k Keys) JobsProcessing() string       { return k.prefix + "jobs:processing" }
func (k Keys) LeasePrefix() string          { return k.prefix + "lease:" }
func (k Keys) Lease(id string) string       { return k.LeasePrefix() + id }
func (k Keys) Worker(id string) string      { return k.prefix + "worker:" + id }
func (k Keys) Workers() string              { return k.prefix + "workers" }
func (k Keys) QueuePending() string         { return k.prefix + "queue:pending" }
func (k Keys) QueueSeq() string             { return k.prefix + "queue:seq" }
func (k Keys) QueueItemPrefix() string      { return k.prefix + "queue:item:" }
func (k Keys) QueueItem(id string) string   { return k.QueueItemPrefix() + id }
func (k Keys) CDNFile(id string) string     { return k.prefix + "cdn:file:" + id }
func (k Keys) CDNExpiry() string            { return k.prefix + "cdn:expiry" }
func (k Keys) CDNToken(token string) string { return k.prefix + "cdn:token:" + token }
