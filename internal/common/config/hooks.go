package config

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/fabricla/connector/internal/collector/strategy"
)

// CustomHooks replaces viper's default decode hook, so the defaults are composed back in.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		StrategyModeHookFunc(),
		MonitoringStatusHookFunc(),
	)),
}

func StrategyModeHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(strategy.ModeAuto) {
			return data, nil
		}
		return strategy.ParseStrategyMode(data.(string))
	}
}

func MonitoringStatusHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(strategy.MonitoringUnknown) {
			return data, nil
		}
		return strategy.ParseMonitoringStatus(data.(string))
	}
}
