/*
Package config loads the manager and worker settings blocks: the
global resource request ceilings, default docker images, dependency
cache sizing, and worker identity/capacity settings. Settings come from an
optional YAML file plus CODALAB_-prefixed environment overrides, layered
through viper the way the rest of the pack's daemons configure themselves.
*/
package config
