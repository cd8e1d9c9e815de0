package vault

import (
	"fmt"

	"github.com/forest6511/sentinel/internal/diskspace"
)

// CheckDiskSpace reports disk usage of the filesystem holding the vault.
func (v *Vault) CheckDiskSpace() (*diskspace.Info, error) {
	info, err := diskspace.Probe(v.path)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to get disk stats: %w", err)
	}
	return info, nil
}

// checkDiskSpaceForWrite refuses a write when less than MinDiskSpaceBytes
// (or twice the data size) is available. A failed probe only warns.
func (v *Vault) checkDiskSpaceForWrite(dataSize int) error {
	info, err := v.CheckDiskSpace()
	if err != nil {
		v.logger.Warn().Err(err).Msg("failed to check disk space")
		return nil
	}

	required := uint64(MinDiskSpaceBytes)
	if uint64(dataSize*2) > required {
		required = uint64(dataSize * 2)
	}
	if info.Available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk,
			info.Available/(1024*1024),
			required/(1024*1024))
	}

	if info.UsedPct >= DiskWarningPercent {
		v.logger.Warn().Int("used_pct", info.UsedPct).Msg("disk is nearly full")
	}
	return nil
}
