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

package source

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/biogo/hts/sam"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/varcall/encoding/bam"
	"github.com/grailbio/varcall/encoding/bamprovider"
	"github.com/grailbio/varcall/encoding/fasta"
	"github.com/grailbio/varcall/interval"
	"github.com/grailbio/varcall/pileup"
	"github.com/grailbio/varcall/variantcall"
	"github.com/pkg/errors"
)

// Site is one position's worth of work handed to the caller's consumer:
// the assembled SiteInput plus the contig/position it came from.
type Site struct {
	Contig string
	Pos    int // 0-based
	Input  variantcall.SiteInput
}

// SiteFunc is called once per candidate position, in arbitrary shard order;
// callers that need coordinate order should buffer and sort by (Contig, Pos)
// themselves, or process one contig's shards at a time with Parallelism=1.
type SiteFunc func(Site) error

// Source drives one or more indexed BAM files through bamprovider, grouping
// per-read base and indel observations by (contig, position, sample) and
// handing each resulting column to the variant-calling core.
type Source struct {
	opts      Opts
	providers []bamprovider.Provider
	ref       fasta.Fasta
	bed       *interval.BEDUnion
}

// New opens the reference FASTA, the optional BED/region filter, and one
// bamprovider.Provider per configured sample.
func New(opts Opts) (*Source, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(opts.ReferencePath)
	if err != nil {
		return nil, errors.Wrapf(err, "source: opening reference %s", opts.ReferencePath)
	}
	defer f.Close() // nolint: errcheck
	ref, err := fasta.New(f)
	if err != nil {
		return nil, errors.Wrap(err, "source: parsing reference fasta")
	}

	providers := make([]bamprovider.Provider, len(opts.Samples))
	for i, s := range opts.Samples {
		providers[i] = bamprovider.NewProvider(s.BAMPath, bamprovider.ProviderOpts{Index: s.BAMIndexPath})
	}

	var bedEntries []interval.Entry
	if opts.Region != "" {
		entry, err := interval.ParseRegionString(opts.Region)
		if err != nil {
			for _, p := range providers {
				p.Close() // nolint: errcheck
			}
			return nil, errors.Wrap(err, "source: parsing region")
		}
		bedEntries = append(bedEntries, entry)
	}

	var bed *interval.BEDUnion
	if opts.BEDPath != "" {
		header, err := providers[0].GetHeader()
		if err != nil {
			for _, p := range providers {
				p.Close() // nolint: errcheck
			}
			return nil, errors.Wrap(err, "source: reading header for BED union")
		}
		u, err := interval.NewBEDUnionFromPath(opts.BEDPath, interval.NewBEDOpts{SAMHeader: header})
		if err != nil {
			for _, p := range providers {
				p.Close() // nolint: errcheck
			}
			return nil, errors.Wrap(err, "source: loading BED")
		}
		bed = &u
	} else if len(bedEntries) > 0 {
		header, err := providers[0].GetHeader()
		if err != nil {
			for _, p := range providers {
				p.Close() // nolint: errcheck
			}
			return nil, errors.Wrap(err, "source: reading header for region")
		}
		u, err := interval.NewBEDUnionFromEntries(bedEntries, interval.NewBEDOpts{SAMHeader: header})
		if err != nil {
			for _, p := range providers {
				p.Close() // nolint: errcheck
			}
			return nil, errors.Wrap(err, "source: applying region")
		}
		bed = &u
	}

	return &Source{opts: opts, providers: providers, ref: ref, bed: bed}, nil
}

// Close releases the underlying BAM providers.
func (s *Source) Close() error {
	var firstErr error
	for _, p := range s.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// column accumulates one position's raw observations, one slot per sample.
type column struct {
	obs [][]variantcall.Allele
}

// Run shards sample 0's BAM (all samples are assumed to share the same
// reference and coordinate space) with bamprovider.GenerateShards, then
// fans out shard processing across traverse.Each. Within a shard, every
// sample's reads are walked and their per-position observations collected
// into a map keyed by 0-based reference position; once the shard's reads
// are exhausted, every covered position within [shard.Start, shard.End) is
// assembled into a variantcall.SiteInput and handed to fn.
func (s *Source) Run(ctx context.Context, fn SiteFunc) error {
	shards, err := s.providers[0].GenerateShards(bamprovider.GenerateShardsOpts{
		Strategy: bamprovider.PositionBased,
		Padding:  s.opts.Padding,
	})
	if err != nil {
		return errors.Wrap(err, "source: generating shards")
	}

	log.Printf("source: processing %d shards with parallelism %d", len(shards), s.opts.Parallelism)
	t := traverse.T{Limit: s.opts.Parallelism}
	return t.Each(len(shards), func(shardIdx int) error {
		return s.processShard(ctx, shards[shardIdx], fn)
	})
}

func (s *Source) processShard(ctx context.Context, shard bam.Shard, fn SiteFunc) error {
	contig := shard.StartRef.Name()
	refID := shard.StartRef.ID()
	start := int(shard.Start)
	end := int(shard.End)

	positions := map[int]*column{}
	var posOrder []int

	for sampleIdx, samp := range s.opts.Samples {
		if err := ctx.Err(); err != nil {
			return err
		}
		iter := s.providers[sampleIdx].NewIterator(shard)
		for iter.Scan() {
			rec := iter.Record()
			if rec.Flags&sam.Flags(s.opts.FlagExclude) != 0 {
				continue
			}
			if byte(rec.MapQ) < s.opts.MinMapQual {
				continue
			}
			if err := s.walkRead(rec, sampleIdx, len(s.opts.Samples), positions, &posOrder); err != nil {
				iter.Close() // nolint: errcheck
				return errors.Wrapf(err, "source: walking read %s", rec.Name)
			}
		}
		err := iter.Close()
		if err != nil {
			return errors.Wrapf(err, "source: closing iterator for sample %s", samp.Name)
		}
	}

	sort.Ints(posOrder)
	for _, pos := range posOrder {
		if pos < start || pos >= end {
			continue
		}
		onTarget := true
		if s.bed != nil {
			onTarget = s.bed.ContainsByID(refID, interval.PosType(pos))
		}
		refBases, err := s.ref.Get(contig, uint64(pos), uint64(pos+1))
		if err != nil || len(refBases) != 1 {
			continue
		}
		refBase := refBases[0]

		col := positions[pos]
		samples := make([]*variantcall.Sample, 0, len(s.opts.Samples))
		for i, samp := range s.opts.Samples {
			if col.obs[i] == nil {
				continue
			}
			// Observations matching the reference base are the reference allele.
			for j := range col.obs[i] {
				if col.obs[i][j].Kind == variantcall.AlleleSNP && col.obs[i][j].Bases == string(refBase) {
					col.obs[i][j].Kind = variantcall.AlleleRef
				}
			}
			samples = append(samples, variantcall.NewSampleWithTechnology(samp.Name, samp.Ploidy, samp.Technology, col.obs[i]))
		}
		if len(samples) == 0 {
			continue
		}

		site := Site{
			Contig: contig,
			Pos:    pos,
			Input: variantcall.SiteInput{
				RefBase:  refBase,
				Samples:  samples,
				OnTarget: onTarget,
			},
		}
		if err := fn(site); err != nil {
			return err
		}
	}
	return nil
}

// walkRead extracts per-position SNP/insertion/deletion observations from
// one aligned read's CIGAR string and appends them into positions, creating
// a column and/or an observation slice for sampleIdx the first time a
// position is touched (C8's upstream contract: source.go is the only place
// that knows how to turn a sam.Record into variantcall.Allele values).
func (s *Source) walkRead(rec *sam.Record, sampleIdx, numSamples int, positions map[int]*column, posOrder *[]int) error {
	seq := rec.Seq.Expand()
	qual := rec.Qual
	strand := pileup.GetStrand(rec)
	mapQual := byte(rec.MapQ)

	posInRef := rec.Pos
	posInRead := 0
	for _, co := range rec.Cigar {
		cLen := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for i := 0; i < cLen; i++ {
				base := seq[posInRead+i]
				bq := qual[posInRead+i]
				if bq < s.opts.MinBaseQual {
					continue
				}
				col := getColumn(positions, posOrder, posInRef+i, numSamples)
				col.obs[sampleIdx] = append(col.obs[sampleIdx], variantcall.Allele{
					Kind:     variantcall.AlleleSNP,
					Bases:    string(base),
					ReadID:   rec.Name,
					BaseQual: bq,
					MapQual:  mapQual,
					Strand:   strand,
				})
			}
			posInRef += cLen
			posInRead += cLen
		case sam.CigarInsertion:
			col := getColumn(positions, posOrder, posInRef, numSamples)
			inserted := string(seq[posInRead : posInRead+cLen])
			col.obs[sampleIdx] = append(col.obs[sampleIdx], variantcall.Allele{
				Kind:     variantcall.AlleleInsertion,
				Bases:    inserted,
				ReadID:   rec.Name,
				BaseQual: minQual(qual[posInRead : posInRead+cLen]),
				MapQual:  mapQual,
				Strand:   strand,
			})
			posInRead += cLen
		case sam.CigarDeletion:
			col := getColumn(positions, posOrder, posInRef, numSamples)
			col.obs[sampleIdx] = append(col.obs[sampleIdx], variantcall.Allele{
				Kind:     variantcall.AlleleDeletion,
				Bases:    fmt.Sprintf("%d", cLen),
				ReadID:   rec.Name,
				BaseQual: mapQual,
				MapQual:  mapQual,
				Strand:   strand,
			})
			posInRef += cLen
		case sam.CigarSkipped:
			posInRef += cLen
		case sam.CigarSoftClipped:
			posInRead += cLen
		case sam.CigarHardClipped, sam.CigarPadded:
			// no-op: consumes neither reference nor query coordinates we track.
		case sam.CigarBack:
			return errors.Errorf("source: unexpected CIGAR back-operation in read %s", rec.Name)
		default:
			return errors.Errorf("source: unhandled CIGAR op %v in read %s", co.Type(), rec.Name)
		}
	}
	return nil
}

func getColumn(positions map[int]*column, posOrder *[]int, pos, numSamples int) *column {
	col, ok := positions[pos]
	if !ok {
		col = &column{obs: make([][]variantcall.Allele, numSamples)}
		positions[pos] = col
		*posOrder = append(*posOrder, pos)
	}
	return col
}

func minQual(quals []byte) byte {
	if len(quals) == 0 {
		return 0
	}
	m := quals[0]
	for _, q := range quals[1:] {
		if q < m {
			m = q
		}
	}
	return m
}
