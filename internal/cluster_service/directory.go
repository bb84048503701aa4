package cluster_service

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/rand"

	"github.com/AnishMulay/sandmeta/internal/log_service"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

// Policy says which replica may serve a request.
type Policy int

const (
	// UseAuthority targets the single replica that serializes mutations of
	// the target identity.
	UseAuthority Policy = iota
	// UseAnyReplica lets any replica answer.
	UseAnyReplica
	// UseCapabilityHolder targets the replica granting this client a
	// capability on the identity.
	UseCapabilityHolder
)

func (p Policy) String() string {
	switch p {
	case UseAuthority:
		return "authority"
	case UseAnyReplica:
		return "any"
	case UseCapabilityHolder:
		return "capability-holder"
	default:
		return "unknown"
	}
}

// ReplicaDirectory is what the request path asks to turn a policy and a
// target identity into one replica.
type ReplicaDirectory interface {
	CurrentReplicas() ([]Replica, error)
	// Pick chooses a replica, avoiding those in exclude unless nothing else
	// is healthy.
	Pick(policy Policy, target ms.Ino, exclude map[string]bool) (Replica, error)
	RecordAuthority(target ms.Ino, replicaID string)
	RecordCapabilityHolder(target ms.Ino, replicaID string)
}

// Directory is a ReplicaDirectory over a ClusterService. Authorities not
// learned from a replica are placed by rendezvous hashing, so every client
// agrees on them for a given membership.
type Directory struct {
	cs  ClusterService
	ls  log_service.LogService
	rng *rand.Rand

	mu        sync.Mutex
	authority map[ms.Ino]string
	capHolder map[ms.Ino]string
}

func NewDirectory(cs ClusterService, ls log_service.LogService) *Directory {
	return &Directory{
		cs:        cs,
		ls:        ls,
		rng:       rand.New(rand.NewSource(rand.Uint64())),
		authority: make(map[ms.Ino]string),
		capHolder: make(map[ms.Ino]string),
	}
}

func (d *Directory) CurrentReplicas() ([]Replica, error) {
	replicas, err := d.cs.GetHealthyNodes()
	if err != nil {
		return nil, err
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i].ID < replicas[j].ID })
	return replicas, nil
}

func (d *Directory) RecordAuthority(target ms.Ino, replicaID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authority[target] = replicaID
}

func (d *Directory) RecordCapabilityHolder(target ms.Ino, replicaID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capHolder[target] = replicaID
}

func (d *Directory) Pick(policy Policy, target ms.Ino, exclude map[string]bool) (Replica, error) {
	replicas, err := d.CurrentReplicas()
	if err != nil {
		return Replica{}, err
	}
	if len(replicas) == 0 {
		return Replica{}, ErrNoHealthyReplicas
	}
	candidates := make([]Replica, 0, len(replicas))
	for _, r := range replicas {
		if !exclude[r.ID] {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		candidates = replicas
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch policy {
	case UseAnyReplica:
		return candidates[d.rng.Intn(len(candidates))], nil
	case UseCapabilityHolder:
		if r, ok := find(candidates, d.capHolder[target]); ok {
			return r, nil
		}
		return d.pickAuthorityLocked(candidates, target), nil
	case UseAuthority:
		return d.pickAuthorityLocked(candidates, target), nil
	default:
		return Replica{}, ErrUnknownPolicy
	}
}

func (d *Directory) pickAuthorityLocked(candidates []Replica, target ms.Ino) Replica {
	if r, ok := find(candidates, d.authority[target]); ok {
		return r
	}
	return rendezvous(candidates, target)
}

func find(replicas []Replica, id string) (Replica, bool) {
	if id == "" {
		return Replica{}, false
	}
	for _, r := range replicas {
		if r.ID == id {
			return r, true
		}
	}
	return Replica{}, false
}

func rendezvous(replicas []Replica, target ms.Ino) Replica {
	key := strconv.FormatUint(uint64(target), 16)
	best, bestScore := replicas[0], uint64(0)
	for i, r := range replicas {
		score := xxhash.Sum64String(r.ID + "/" + key)
		if i == 0 || score > bestScore {
			best, bestScore = r, score
		}
	}
	return best
}

var _ ReplicaDirectory = (*Directory)(nil)
