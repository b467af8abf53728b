// Package mqtt reports honeypot activity to an MQTT broker. It
// publishes an availability topic, retained periodic stats and one
// message per captured interaction, so home automation dashboards or
// alerting pipelines can watch the honeypot without polling it.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic. A will message ensures the topic transitions to
// "offline" on unexpected disconnects.
//
// Topics live under mirage/<device_name>/:
//
//	availability        online | offline (retained)
//	<stat>/state        one retained value per stat
//	interactions        JSON capture.Interaction per exchange
package mqtt
