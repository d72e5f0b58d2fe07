package common

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/fabricla/connector/internal/common/config"
	"github.com/fabricla/connector/internal/common/health"
)

// EnvPrefix is prepended to environment variables overriding config values, e.g. FABRICLA_SINK_ENDPOINT.
const EnvPrefix = "FABRICLA"

// BindCommandlineArguments makes every flag of flags readable through the global viper instance.
func BindCommandlineArguments(flags *pflag.FlagSet) error {
	return errors.WithStack(viper.BindPFlags(flags))
}

// LoadConfig reads config.yaml from defaultPath, merges each file in overrideConfigs on top and finally applies
// environment overrides before unmarshalling into config.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading base config from %s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config from %s", overrideConfig)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return nil, errors.Wrap(err, "unmarshalling config")
	}
	return v, nil
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// SetLogLevel sets the level of the standard logger. An empty level leaves it unchanged.
func SetLogLevel(level string) error {
	if level == "" {
		return nil
	}
	l, err := log.ParseLevel(level)
	if err != nil {
		return errors.WithStack(err)
	}
	log.SetLevel(l)
	return nil
}

// ServeMetrics serves the default prometheus registry on /metrics, plus /health when checker is non-nil.
// The returned function stops the server.
func ServeMetrics(port uint16, checker health.Checker) (shutdown func()) {
	return ServeHttp(port, MetricsMux(prometheus.DefaultGatherer, checker))
}

func MetricsMux(gatherer prometheus.Gatherer, checker health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if checker != nil {
		health.SetupHttpMux(mux, checker)
	}
	return mux
}

// ServeHttp starts an HTTP server listening on the given port.
func ServeHttp(port uint16, mux http.Handler) (shutdown func()) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting http server listening on %d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Errorf("Http server listening on %d failed", port)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Printf("Stopping http server listening on %d", port)
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Http server did not shut down cleanly")
		}
	}
}
