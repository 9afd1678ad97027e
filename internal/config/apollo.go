package config

import (
	"strconv"

	agollo "github.com/apolloconfig/agollo/v4"
	apconf "github.com/apolloconfig/agollo/v4/env/config"
	"github.com/apolloconfig/agollo/v4/storage"
)

// overrideFromApollo starts Apollo client and overrides config values if present.
// Returns a closer to stop the Apollo client.
func overrideFromApollo(cfg *Config, store *Store) (func(), error) {
	if cfg.Apollo.Addrs == "" || cfg.Apollo.AppID == "" {
		configLogger.Sugar().Info("apollo: missing APOLLO_ADDRS or APOLLO_APP_ID; skip")
		return nil, nil
	}

	ns := cfg.Apollo.Namespace
	if ns == "" {
		ns = "application"
	}

	appCfg := &apconf.AppConfig{
		AppID:              cfg.Apollo.AppID,
		Cluster:            cfg.Apollo.Cluster,
		NamespaceName:      ns,
		IP:                 cfg.Apollo.Addrs, // 支持逗号分隔
		Secret:             cfg.Apollo.AccessKey,
	}

	client, err := agollo.StartWithConfig(func() (*apconf.AppConfig, error) { return appCfg, nil })
	if err != nil {
		return nil, err
	}

	// Initial override
	applyApolloOverrides(client, ns, cfg)
	_ = store.UpdateValidated(cfg, map[string]bool{"apollo.init": true})

	// Listen changes: update store with changed keys
	client.AddChangeListener(&changeListener{ns: ns, client: client, store: store})

	closer := func() {
		// agollo v4 没有公开 Stop 接口，这里保留为空
	}
	return closer, nil
}

func applyApolloOverrides(client agollo.Client, namespace string, cfg *Config) {
	cache := client.GetConfigCache(namespace)
	if cache == nil {
		return
	}
	getStr := func(key string, dst *string) {
		if v, err := cache.Get(key); err == nil {
			if s, _ := v.(string); s != "" {
				*dst = s
			}
		}
	}
	getInt := func(key string, dst *int) {
		if v, err := cache.Get(key); err == nil {
			if s, _ := v.(string); s != "" {
				if n, err := strconv.Atoi(s); err == nil {
					*dst = n
				}
			}
		}
	}

	getStr("app.env", &cfg.AppEnv)
	getStr("server.addr", &cfg.Server.Addr)
	getStr("log.level", &cfg.Log.Level)
	getStr("log.format", &cfg.Log.Format)
	getStr("pg.url", &cfg.PG.URL)
	getInt("pg.max_open", &cfg.PG.MaxOpenConns)
	getInt("pg.max_idle", &cfg.PG.MaxIdleConns)
	getStr("redis.addr", &cfg.Redis.Addr)
	getStr("redis.password", &cfg.Redis.Password)
	getInt("redis.db", &cfg.Redis.DB)
	getStr("mq.url", &cfg.MQ.URL)
	getStr("es.addrs", &cfg.ES.Addrs)
	getStr("es.username", &cfg.ES.Username)
	getStr("es.password", &cfg.ES.Password)
	getStr("es.visit_index", &cfg.ES.Index)
	getInt("stats.cache_ttl", &cfg.Stats.CacheTTLSeconds)
	getInt("presence.debounce_ms", &cfg.Presence.DebounceMS)
	getInt("visit.rate_window", &cfg.Visit.RateWindowSec)
	getInt("visit.rate_max", &cfg.Visit.RateMax)
}

type changeListener struct {
	ns     string
	client agollo.Client
	store  *Store
}

func (c *changeListener) OnChange(e *storage.ChangeEvent) {
	configLogger.Sugar().Infof("apollo change: namespace=%s, changes=%d", e.Namespace, len(e.Changes))
	// Build new config based on current and apply overrides
	cur := c.store.Get()
	next := cloneConfig(cur)
	applyApolloOverrides(c.client, c.ns, next)
	changed := map[string]bool{}
	for k := range e.Changes {
		changed[k] = true
	}
	_ = c.store.UpdateValidated(next, changed)
}

func (c *changeListener) OnNewestChange(e *storage.FullChangeEvent) {
	configLogger.Sugar().Infof("apollo newest change: namespace=%s, changes=%d", e.Namespace, len(e.Changes))
}
