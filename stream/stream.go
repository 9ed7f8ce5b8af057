/*Package stream forwards reduced spectra to an MQTT broker.

The publisher is attached to the acquisition controller and receives
every successful acquisition.  Delivery is best effort: a rate limiter
drops excess traffic so a tight acquisition loop cannot saturate the
broker, and publish failures are logged, never propagated back into
the acquisition path.
*/
package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/spectrolab/spectrum"
)

// Client is the slice of mqtt.Client the publisher uses, narrowed so
// tests can substitute a recorder
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher sends spectra to a single MQTT topic
type Publisher struct {
	// QOS is the MQTT quality of service for published spectra.  The
	// zero value, at most once, suits periodic telemetry
	QOS byte

	client Client
	topic  string
	lim    *rate.Limiter
}

// New connects to an MQTT broker and returns a publisher for topic.
// Spectra above the hz rate are dropped; hz of zero or less means
// 10 per second
func New(broker, clientID, topic string, hz float64) (*Publisher, error) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(2 * time.Second)
	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to broker %s: %w", broker, token.Error())
	}
	return FromClient(c, topic, hz), nil
}

// FromClient wraps an existing client.  It shares the rate and topic
// handling of New without owning the connection
func FromClient(c Client, topic string, hz float64) *Publisher {
	if hz <= 0 {
		hz = 10
	}
	return &Publisher{client: c, topic: topic, lim: rate.NewLimiter(rate.Limit(hz), 1)}
}

// Publish sends a spectrum as JSON.  Calls above the rate limit are
// dropped silently
func (p *Publisher) Publish(s spectrum.Spectrum) {
	if !p.lim.Allow() {
		return
	}
	msg, err := json.Marshal(s)
	if err != nil {
		log.Printf("encoding spectrum for %s: %v", p.topic, err)
		return
	}
	p.client.Publish(p.topic, p.QOS, false, msg)
}

// Close disconnects from the broker when the publisher owns the
// connection, allowing a short window for in-flight messages
func (p *Publisher) Close() {
	if c, ok := p.client.(mqtt.Client); ok {
		c.Disconnect(250)
	}
}
