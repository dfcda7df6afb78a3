package bss

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Summary is the MQTT payload describing one pipeline result.
type Summary struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	Requested   int       `json:"requested"`
	Realized    int       `json:"realized"`
	Empty       bool      `json:"empty"`
	Iq          []float64 `json:"iq"`
	Labels      []string  `json:"labels,omitempty"`
	MeanL2      float64   `json:"meanL2"`
	RunsTotal   int       `json:"runsTotal"`
	RunsFailed  int       `json:"runsFailed"`
	CacheHits   int       `json:"cacheHits"`
	PublishedAt int64     `json:"publishedAt"`
}

// NewSummary condenses a result into its MQTT summary.
func NewSummary(r *Result) Summary {
	s := Summary{
		ID:         r.ID,
		CreatedAt:  r.CreatedAt,
		Requested:  r.Config.NComponents,
		Realized:   r.Realized(),
		Empty:      r.Empty,
		Iq:         make([]float64, len(r.Sources)),
		RunsTotal:  r.Diagnostics.Total,
		RunsFailed: len(r.Diagnostics.Failed),
		CacheHits:  r.Diagnostics.CacheHits,
	}
	for i, src := range r.Sources {
		s.Iq[i] = src.Iq
	}
	if r.Reconstruct != nil {
		s.MeanL2 = r.Reconstruct.MeanL2
	}
	for _, l := range r.Labels {
		s.Labels = append(s.Labels, l.Label)
	}
	return s
}

// Publisher sends result summaries and status updates to MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
}

// NewPublisher creates a publisher under prefix. A nil client disables
// publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "icasar"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true,
	}
}

// PublishResult publishes the summary to {prefix}/{id}/summary and
// {prefix}/latest.
func (p *Publisher) PublishResult(r *Result) error {
	summary := NewSummary(r)
	summary.PublishedAt = time.Now().Unix()

	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	for _, topic := range []string{
		fmt.Sprintf("%s/%s/summary", p.publishPrefix, r.ID),
		p.publishPrefix + "/latest",
	} {
		if err := p.publish(topic, payload); err != nil {
			log.Printf("Error publishing result %s: %v", r.ID, err)
			return err
		}
	}
	log.Printf("Published result %s: %d/%d sources", r.ID, summary.Realized, summary.Requested)
	return nil
}

// PublishStatus publishes a pipeline state ("running", "done", "error") to
// {prefix}/status.
func (p *Publisher) PublishStatus(status, detail string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"status":    status,
		"detail":    detail,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	return p.publish(p.publishPrefix+"/status", payload)
}

func (p *Publisher) publish(topic string, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
