// Package mqtt provides the MQTT announcement client for Hearth Core.
//
// The core publishes retained token-rotation announcements on per-hub
// topics and its own online/offline status. It never publishes secret
// material over the broker; announcements carry version numbers only and
// the hub fetches actual token material over the authenticated pairing
// channel.
//
// The broker is optional infrastructure. Hubs that miss an announcement
// (or sites without a broker) converge on their next scheduled pairing
// call — MQTT only shortens the window.
package mqtt
