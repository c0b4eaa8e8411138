package audio

import (
	"fmt"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// normalizeTargetPeak is about -3 dBFS, leaving headroom against clipping.
const normalizeTargetPeak = 0.708

// processWAV decodes a WAV file, applies the configured gain stages, and
// re-encodes it in place through a temp name. Returns the (unchanged) path.
func (p *Pipeline) processWAV(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open WAV file: %w", err)
	}

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		f.Close()
		return "", fmt.Errorf("not a valid WAV file: %s", path)
	}

	var buf *goaudio.IntBuffer
	buf, err = decoder.FullPCMBuffer()
	f.Close()
	if err != nil {
		return "", fmt.Errorf("failed to decode WAV data: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return "", fmt.Errorf("WAV file contains no samples: %s", path)
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}

	samples := toFloat(buf.Data, bitDepth)
	if p.cfg.NormalizeAudio {
		normalizePeak(samples, normalizeTargetPeak)
	}
	if p.cfg.AutoGainControl {
		compressDynamicRange(samples, buf.Format.SampleRate*buf.Format.NumChannels,
			p.cfg.AGCThresholdDB, p.cfg.AGCRatio, p.cfg.AGCAttackMs, p.cfg.AGCReleaseMs)
	}
	fromFloat(samples, buf.Data, bitDepth)

	tmp := path + partSuffix
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create processed WAV file: %w", err)
	}

	encoder := wav.NewEncoder(out, buf.Format.SampleRate, bitDepth, buf.Format.NumChannels, 1)
	if err := encoder.Write(buf); err != nil {
		encoder.Close()
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to encode WAV data: %w", err)
	}
	if err := encoder.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize WAV encoder: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close processed WAV file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to replace WAV file: %w", err)
	}
	return path, nil
}

// toFloat converts integer PCM samples to floats in [-1, 1).
func toFloat(data []int, bitDepth int) []float64 {
	scale := float64(int64(1) << (bitDepth - 1))
	samples := make([]float64, len(data))
	for i, v := range data {
		samples[i] = float64(v) / scale
	}
	return samples
}

// fromFloat converts float samples back to integer PCM, clipping to range.
func fromFloat(samples []float64, data []int, bitDepth int) {
	scale := float64(int64(1) << (bitDepth - 1))
	for i, v := range samples {
		if v > 1.0-1.0/scale {
			v = 1.0 - 1.0/scale
		} else if v < -1.0 {
			v = -1.0
		}
		data[i] = int(math.Round(v * scale))
	}
}

// normalizePeak scales all samples so the peak lands on target.
func normalizePeak(samples []float64, target float64) {
	var peak float64
	for _, v := range samples {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return
	}
	gain := target / peak
	for i := range samples {
		samples[i] *= gain
	}
}

// compressDynamicRange is a feed-forward compressor used as a crude AGC
// stage. sampleRate is samples per second across all channels.
func compressDynamicRange(samples []float64, sampleRate int, thresholdDB, ratio, attackMs, releaseMs float64) {
	if ratio <= 1 || sampleRate <= 0 {
		return
	}

	attackCoef := envCoef(attackMs, sampleRate)
	releaseCoef := envCoef(releaseMs, sampleRate)

	var env float64
	for i, v := range samples {
		level := math.Abs(v)
		if level > env {
			env = attackCoef*env + (1-attackCoef)*level
		} else {
			env = releaseCoef*env + (1-releaseCoef)*level
		}
		if env <= 0 {
			continue
		}

		envDB := 20 * math.Log10(env)
		if envDB <= thresholdDB {
			continue
		}

		// Gain reduction above the threshold, scaled by the ratio
		gainDB := (thresholdDB - envDB) * (1 - 1/ratio)
		samples[i] = v * math.Pow(10, gainDB/20)
	}
}

// envCoef derives a one-pole envelope coefficient from a time constant.
func envCoef(ms float64, sampleRate int) float64 {
	if ms <= 0 {
		return 0
	}
	return math.Exp(-1.0 / (ms * float64(sampleRate) / 1000.0))
}
