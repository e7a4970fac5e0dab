package scanner

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lilithos/lilithd/internal/domain"
)

// Simulated source providers. These stand in for real hardware scans; a real
// backend implements domain.SourceProvider and replaces the generator without
// touching aggregation or transfer logic.

// SimulatedSources returns the default provider set covering every signal
// type, seeded from the given source of randomness.
func SimulatedSources(rng *rand.Rand) []domain.SourceProvider {
	return []domain.SourceProvider{
		NewRadioProvider(rng),
		NewNetworkProvider(rng),
		NewProximityProvider(rng),
		NewInfraredProvider(rng),
		NewAudioProvider(rng),
	}
}

// RadioProvider simulates short-range radio device discovery.
type RadioProvider struct {
	rng     *rand.Rand
	devices []string
}

// NewRadioProvider creates a simulated radio scanner.
func NewRadioProvider(rng *rand.Rand) *RadioProvider {
	return &RadioProvider{
		rng: rng,
		devices: []string{
			"Handset_ABC123",
			"Earbuds_DEF456",
			"Wristband_GHI789",
			"Tablet_XYZ789",
		},
	}
}

// Type implements domain.SourceProvider.
func (p *RadioProvider) Type() domain.SignalType { return domain.SignalRadio }

// Collect implements domain.SourceProvider.
func (p *RadioProvider) Collect(_ context.Context) ([]domain.SignalRecord, error) {
	now := time.Now()
	records := make([]domain.SignalRecord, 0, len(p.devices))
	for _, dev := range p.devices {
		strength := 60 + p.rng.Intn(40)
		records = append(records, domain.SignalRecord{
			Type:      domain.SignalRadio,
			Source:    dev,
			Payload:   fmt.Sprintf("RSSI:-%ddB,Class:0x%04X,Name:%s", 100-strength, 0x2404, dev),
			Timestamp: now,
			Strength:  strength,
			Encrypted: p.rng.Intn(2) == 1,
		})
	}
	return records, nil
}

// NetworkProvider simulates local network discovery.
type NetworkProvider struct {
	rng      *rand.Rand
	networks []string
}

// NewNetworkProvider creates a simulated network scanner.
func NewNetworkProvider(rng *rand.Rand) *NetworkProvider {
	return &NetworkProvider{
		rng: rng,
		networks: []string{
			"HomeNetwork_5G",
			"Office_Net",
			"Public_Hotspot",
			"Neighbor_Net",
		},
	}
}

// Type implements domain.SourceProvider.
func (p *NetworkProvider) Type() domain.SignalType { return domain.SignalNetwork }

// Collect implements domain.SourceProvider.
func (p *NetworkProvider) Collect(_ context.Context) ([]domain.SignalRecord, error) {
	now := time.Now()
	records := make([]domain.SignalRecord, 0, len(p.networks))
	for _, ssid := range p.networks {
		strength := 40 + p.rng.Intn(60)
		records = append(records, domain.SignalRecord{
			Type:      domain.SignalNetwork,
			Source:    ssid,
			Payload:   fmt.Sprintf("SSID:%s,Channel:%d,Security:WPA2", ssid, 1+p.rng.Intn(11)),
			Timestamp: now,
			Strength:  strength,
			Encrypted: true, // networks always report encrypted
		})
	}
	return records, nil
}

// ProximityProvider simulates proximity tag detection.
type ProximityProvider struct {
	rng  *rand.Rand
	tags []string
}

// NewProximityProvider creates a simulated proximity tag scanner.
func NewProximityProvider(rng *rand.Rand) *ProximityProvider {
	return &ProximityProvider{
		rng: rng,
		tags: []string{
			"Badge_5678",
			"Transit_Tag_EFGH",
		},
	}
}

// Type implements domain.SourceProvider.
func (p *ProximityProvider) Type() domain.SignalType { return domain.SignalProximity }

// Collect implements domain.SourceProvider.
func (p *ProximityProvider) Collect(_ context.Context) ([]domain.SignalRecord, error) {
	now := time.Now()
	records := make([]domain.SignalRecord, 0, len(p.tags))
	for i, tag := range p.tags {
		records = append(records, domain.SignalRecord{
			Type:      domain.SignalProximity,
			Source:    tag,
			Payload:   fmt.Sprintf("UID:%08X,Protocol:T2T", 0x12345678+i*0x11111111),
			Timestamp: now,
			Strength:  80 + p.rng.Intn(20),
			Encrypted: p.rng.Intn(2) == 1,
		})
	}
	return records, nil
}

// InfraredProvider simulates an infrared receiver. It detects a burst only
// occasionally, so most cycles it contributes nothing.
type InfraredProvider struct {
	rng *rand.Rand
}

// NewInfraredProvider creates a simulated infrared receiver.
func NewInfraredProvider(rng *rand.Rand) *InfraredProvider {
	return &InfraredProvider{rng: rng}
}

// Type implements domain.SourceProvider.
func (p *InfraredProvider) Type() domain.SignalType { return domain.SignalInfrared }

// Collect implements domain.SourceProvider.
func (p *InfraredProvider) Collect(_ context.Context) ([]domain.SignalRecord, error) {
	if p.rng.Intn(4) != 0 {
		return nil, nil
	}
	return []domain.SignalRecord{{
		Type:      domain.SignalInfrared,
		Source:    "ir_burst",
		Payload:   fmt.Sprintf("Code:0x%06X", p.rng.Intn(0xFFFFFF)),
		Timestamp: time.Now(),
		Strength:  30 + p.rng.Intn(40),
	}}, nil
}

// AudioProvider simulates an ambient audio sampler.
type AudioProvider struct {
	rng *rand.Rand
}

// NewAudioProvider creates a simulated audio sampler.
func NewAudioProvider(rng *rand.Rand) *AudioProvider {
	return &AudioProvider{rng: rng}
}

// Type implements domain.SourceProvider.
func (p *AudioProvider) Type() domain.SignalType { return domain.SignalAudio }

// Collect implements domain.SourceProvider.
func (p *AudioProvider) Collect(_ context.Context) ([]domain.SignalRecord, error) {
	if p.rng.Intn(3) != 0 {
		return nil, nil
	}
	return []domain.SignalRecord{{
		Type:      domain.SignalAudio,
		Source:    "ambient",
		Payload:   fmt.Sprintf("PeakHz:%d", 200+p.rng.Intn(8000)),
		Timestamp: time.Now(),
		Strength:  p.rng.Intn(101),
	}}, nil
}

// FileProvider reads dropped mock signal files from the store's signals
// directory. File format: one record per line, "source|payload". The file
// name (minus extension) selects the signal type; unknown types are skipped.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a file-backed provider over the given directory.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// Type implements domain.SourceProvider. The file provider spans signal
// types (each record carries its own), so it has no single type to report.
func (p *FileProvider) Type() domain.SignalType { return "" }

// Collect implements domain.SourceProvider.
func (p *FileProvider) Collect(_ context.Context) ([]domain.SignalRecord, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []domain.SignalRecord
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		sigType, ok := parseSignalType(name)
		if !ok {
			continue
		}
		lines, err := readSignalFile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			continue // unreadable drop file, skip it
		}
		for _, line := range lines {
			source, payload, found := strings.Cut(line, "|")
			if !found || source == "" {
				continue
			}
			records = append(records, domain.SignalRecord{
				Type:      sigType,
				Source:    strings.TrimSpace(source),
				Payload:   strings.TrimSpace(payload),
				Timestamp: now,
				Strength:  50,
			})
		}
	}
	return records, nil
}

func parseSignalType(name string) (domain.SignalType, bool) {
	for _, t := range domain.SignalTypes {
		if name == string(t) {
			return t, true
		}
	}
	return "", false
}

func readSignalFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
