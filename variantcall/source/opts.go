// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package source adapts aligned reads from one or more BAM files into the
// per-site variantcall.SiteInput values the core inference engine consumes.
package source

import "github.com/pkg/errors"

// SampleFile names one sample's BAM input. A single invocation of the
// caller may cover several samples jointly (a multi-sample VCF-like run) or
// just one.
type SampleFile struct {
	// Name identifies the sample in output records.
	Name string
	// BAMPath is the path (local or S3) of the sample's coordinate-sorted,
	// indexed BAM file.
	BAMPath string
	// BAMIndexPath overrides the default (BAMPath + ".bai") index location.
	BAMIndexPath string
	// Ploidy is the number of chromosome copies to assume for this sample.
	Ploidy int
	// Technology names the sequencing platform this sample was generated on
	// (e.g. "illumina", "pacbio", "ont"), mirroring the producer contract's
	// sequencingTechnologies field. An empty value means "unspecified" and
	// gets variantcall.Opts.ErrFloorScalar's default (untechnology-specific)
	// treatment; a recognized value is looked up in
	// variantcall.Opts.ErrFloorScalarByTechnology.
	Technology string
}

// Opts configures a Source.
type Opts struct {
	// Samples lists the BAM inputs to pileup jointly.
	Samples []SampleFile

	// ReferencePath is the path of the indexed reference FASTA.
	ReferencePath string

	// BEDPath, if nonempty, restricts calling to the union of regions it
	// names. An empty BEDPath means the whole genome is in scope.
	BEDPath string
	// Region, if nonempty, is a single "chr:start-end" region string applied
	// in addition to BEDPath.
	Region string

	// MinMapQual and MinBaseQual discard reads/bases below these thresholds
	// before they ever reach the core engine.
	MinMapQual  byte
	MinBaseQual byte
	// FlagExclude is a bitmask of sam.Flags; reads with any of these bits set
	// are skipped entirely (the default excludes secondary, supplementary
	// and duplicate alignments).
	FlagExclude uint16

	// Parallelism bounds the number of shards processed concurrently. Zero
	// means traverse.Each picks a default based on GOMAXPROCS.
	Parallelism int

	// Padding is the number of bases of overlap requested between adjacent
	// shards, so that no read is missed at a shard boundary.
	Padding int
}

// DefaultOpts mirrors the defaults used by the original pileup tool's
// command-line flags.
var DefaultOpts = Opts{
	MinMapQual:  0,
	MinBaseQual: 0,
	FlagExclude: 0xf00,
	Parallelism: 0,
	Padding:     511,
}

// Validate rejects obviously-broken configurations.
func (o *Opts) Validate() error {
	if len(o.Samples) == 0 {
		return errors.New("source: at least one sample is required")
	}
	if o.ReferencePath == "" {
		return errors.New("source: referencePath is required")
	}
	for _, s := range o.Samples {
		if s.Name == "" {
			return errors.New("source: every sample requires a Name")
		}
		if s.BAMPath == "" {
			return errors.Errorf("source: sample %s has no BAMPath", s.Name)
		}
		if s.Ploidy < 1 {
			return errors.Errorf("source: sample %s has invalid ploidy %d", s.Name, s.Ploidy)
		}
	}
	return nil
}
