// Package mqtt publishes generation activity to an MQTT broker so
// dashboards and home automation can follow what the persona service is
// doing.
//
// Topics live under <topic_prefix>/<device_name>/:
//
//	availability        "online" / "offline" (retained, will message)
//	generation          one JSON notification per successful generation
//	<stat>/state        periodic retained stats (uptime, version,
//	                    provider, generations_today, last_generation)
//
// Connections are managed by Paho v2's [autopaho], which reconnects on
// its own. Each successful connect republishes "online" to the
// availability topic, and the broker's copy of the will message
// replaces it with "offline" if the process disappears.
package mqtt
