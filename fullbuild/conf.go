package fullbuild

import (
	"encoding/base64"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/drpcorg/kvindex/dispatch"
	"github.com/drpcorg/kvindex/index_errors"
)

// Job parameter keys.
const (
	ParamPrefix = "kvindex.fullbuild."

	ParamConnect        = ParamPrefix + "coordination.connect"
	ParamSessionTimeout = ParamPrefix + "coordination.sessionTimeout"
	ParamIndexerConf    = ParamPrefix + "indexerconf"
	ParamShardName      = ParamPrefix + "shard.name."
	ParamShardAddress   = ParamPrefix + "shard.address."
	ParamShardingConf   = ParamPrefix + "shardingconf"
	ParamPoolMaxPerHost = ParamPrefix + "pool.maxPerHost"
	ParamPoolMaxTotal   = ParamPrefix + "pool.maxTotal"
	ParamFailurePolicy  = ParamPrefix + "failurePolicy"
	ParamAcquireTimeout = ParamPrefix + "lock.acquireTimeout"
)

type FailurePolicy int

const (
	// FailFast fails the partition on the first record that fails; the
	// executor retries the whole partition.
	FailFast FailurePolicy = iota
	// BestEffort logs and counts a failed record and moves on.
	BestEffort
)

func (p FailurePolicy) String() string {
	if p == BestEffort {
		return "best-effort"
	}
	return "fail-fast"
}

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "fail-fast":
		return FailFast, nil
	case "best-effort":
		return BestEffort, nil
	}
	return 0, fmt.Errorf("%w: failure policy %q", index_errors.ErrInvalidJobConf, s)
}

// JobConf is the decoded set of job parameters every worker is set up from.
type JobConf struct {
	Connect        string
	SessionTimeout time.Duration
	AcquireTimeout time.Duration
	IndexerConf    []byte
	// Shards maps shard name to address.
	Shards        map[string]string
	ShardingConf  []byte
	Pool          dispatch.PoolOptions
	FailurePolicy FailurePolicy
}

func confErr(key string, err error) error {
	return fmt.Errorf("%w: %s: %w", index_errors.ErrInvalidJobConf, key, err)
}

func ParseJobConf(params map[string]string) (*JobConf, error) {
	c := &JobConf{
		Connect: params[ParamConnect],
		Shards:  map[string]string{},
	}
	var err error
	if v, ok := params[ParamSessionTimeout]; ok {
		if c.SessionTimeout, err = time.ParseDuration(v); err != nil {
			return nil, confErr(ParamSessionTimeout, err)
		}
	}
	if v, ok := params[ParamAcquireTimeout]; ok {
		if c.AcquireTimeout, err = time.ParseDuration(v); err != nil {
			return nil, confErr(ParamAcquireTimeout, err)
		}
	}
	if c.IndexerConf, err = base64.StdEncoding.DecodeString(params[ParamIndexerConf]); err != nil {
		return nil, confErr(ParamIndexerConf, err)
	}
	if v, ok := params[ParamShardingConf]; ok && v != "" {
		if c.ShardingConf, err = base64.StdEncoding.DecodeString(v); err != nil {
			return nil, confErr(ParamShardingConf, err)
		}
	}
	for n := 1; ; n++ {
		name, ok := params[ParamShardName+strconv.Itoa(n)]
		if !ok {
			break
		}
		addrKey := ParamShardAddress + strconv.Itoa(n)
		addr, ok := params[addrKey]
		if !ok {
			return nil, fmt.Errorf("%w: shard %q has no %s", index_errors.ErrInvalidJobConf, name, addrKey)
		}
		if _, dup := c.Shards[name]; dup {
			return nil, fmt.Errorf("%w: shard %q listed twice", index_errors.ErrInvalidJobConf, name)
		}
		c.Shards[name] = addr
	}
	if v, ok := params[ParamPoolMaxPerHost]; ok {
		if c.Pool.MaxPerHost, err = strconv.Atoi(v); err != nil {
			return nil, confErr(ParamPoolMaxPerHost, err)
		}
	}
	if v, ok := params[ParamPoolMaxTotal]; ok {
		if c.Pool.MaxTotal, err = strconv.Atoi(v); err != nil {
			return nil, confErr(ParamPoolMaxTotal, err)
		}
	}
	if c.FailurePolicy, err = ParseFailurePolicy(params[ParamFailurePolicy]); err != nil {
		return nil, err
	}
	c.Pool.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *JobConf) Validate() error {
	switch {
	case c.Connect == "":
		return fmt.Errorf("%w: %s is required", index_errors.ErrInvalidJobConf, ParamConnect)
	case len(c.IndexerConf) == 0:
		return fmt.Errorf("%w: %s is required", index_errors.ErrInvalidJobConf, ParamIndexerConf)
	case len(c.Shards) == 0:
		return fmt.Errorf("%w: no shards configured", index_errors.ErrInvalidJobConf)
	case c.SessionTimeout < 0 || c.AcquireTimeout < 0:
		return fmt.Errorf("%w: negative timeout", index_errors.ErrInvalidJobConf)
	case c.Pool.MaxPerHost < 0 || c.Pool.MaxTotal < 0:
		return fmt.Errorf("%w: negative pool limit", index_errors.ErrInvalidJobConf)
	case c.Pool.MaxTotal > 0 && c.Pool.MaxPerHost > c.Pool.MaxTotal:
		return fmt.Errorf("%w: pool.maxPerHost %d above pool.maxTotal %d",
			index_errors.ErrInvalidJobConf, c.Pool.MaxPerHost, c.Pool.MaxTotal)
	}
	return nil
}

// Params encodes the configuration back into job parameters.
func (c *JobConf) Params() map[string]string {
	p := map[string]string{
		ParamConnect:        c.Connect,
		ParamIndexerConf:    base64.StdEncoding.EncodeToString(c.IndexerConf),
		ParamPoolMaxPerHost: strconv.Itoa(c.Pool.MaxPerHost),
		ParamPoolMaxTotal:   strconv.Itoa(c.Pool.MaxTotal),
		ParamFailurePolicy:  c.FailurePolicy.String(),
	}
	if c.SessionTimeout != 0 {
		p[ParamSessionTimeout] = c.SessionTimeout.String()
	}
	if c.AcquireTimeout != 0 {
		p[ParamAcquireTimeout] = c.AcquireTimeout.String()
	}
	if len(c.ShardingConf) != 0 {
		p[ParamShardingConf] = base64.StdEncoding.EncodeToString(c.ShardingConf)
	}
	for i, name := range slices.Sorted(maps.Keys(c.Shards)) {
		p[ParamShardName+strconv.Itoa(i+1)] = name
		p[ParamShardAddress+strconv.Itoa(i+1)] = c.Shards[name]
	}
	return p
}
