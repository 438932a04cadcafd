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

/*
Given one or more coordinate-sorted, indexed BAM files and a reference FASTA,
bio-varcall reports Bayesian small-variant calls (SNPs, insertions and
deletions) at every candidate site, jointly across all named samples.

Sample usage:
bio-varcall \
    --sample sampleA=a.bam \
    --sample sampleB=b.bam \
    --bed my-regions.bed \
    --out calls.tsv \
    ref.fa
*/
package main
