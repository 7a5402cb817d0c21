// Package sysres samples host resource usage with gopsutil.
package sysres

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/pulse/internal/model"
)

var log = logrus.WithField("component", "sysres")

const mib = 1024 * 1024

// reading holds cumulative counters at one instant.
type reading struct {
	at        time.Time
	cpuBusy   float64
	cpuTotal  float64
	memUsed   uint64
	diskBytes uint64
	netBytes  uint64
}

// Sampler implements model.ResourceSampler. CPU and I/O figures are rates
// between consecutive samples, so the first sample reports them as zero.
type Sampler struct {
	read func(ctx context.Context) (reading, error)

	mu   sync.Mutex
	prev *reading
}

func New() *Sampler {
	return &Sampler{read: readHost}
}

// Sample reads the host counters. Counters that cannot be read are left
// at zero; the error joins their failures.
func (s *Sampler) Sample(ctx context.Context) (model.ResourceSample, error) {
	cur, err := s.read(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := rates(s.prev, cur)
	s.prev = &cur
	return out, err
}

func rates(prev *reading, cur reading) model.ResourceSample {
	out := model.ResourceSample{MemoryMB: float64(cur.memUsed) / mib}
	if prev == nil {
		return out
	}
	if dt := cur.cpuTotal - prev.cpuTotal; dt > 0 {
		out.CPUPercent = (cur.cpuBusy - prev.cpuBusy) / dt * 100
	}
	secs := cur.at.Sub(prev.at).Seconds()
	if secs <= 0 {
		return out
	}
	out.DiskMBPerSec = delta(prev.diskBytes, cur.diskBytes) / mib / secs
	out.NetworkMBPerSec = delta(prev.netBytes, cur.netBytes) / mib / secs
	return out
}

// delta treats a counter that went backwards as reset.
func delta(prev, cur uint64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur - prev)
}

func readHost(ctx context.Context) (reading, error) {
	r := reading{at: time.Now()}
	var errs []error

	if times, err := cpu.TimesWithContext(ctx, false); err != nil {
		errs = append(errs, err)
	} else if len(times) > 0 {
		t := times[0]
		r.cpuTotal = t.User + t.System + t.Idle + t.Iowait + t.Steal + t.Nice + t.Irq + t.Softirq
		r.cpuBusy = r.cpuTotal - t.Idle
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		r.memUsed = vm.Used
	}

	if counters, err := disk.IOCountersWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		for _, io := range counters {
			r.diskBytes += io.ReadBytes + io.WriteBytes
		}
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err != nil {
		errs = append(errs, err)
	} else {
		for _, io := range counters {
			r.netBytes += io.BytesSent + io.BytesRecv
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		log.WithError(err).Debug("sysres: partial host reading")
	}
	return r, err
}

var _ model.ResourceSampler = (*Sampler)(nil)
