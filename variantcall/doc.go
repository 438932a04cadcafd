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

// Package variantcall implements a per-site Bayesian small-variant caller.
//
// For one reference position at a time, it collects the alleles observed
// across one or more samples, enumerates candidate genotypes per sample,
// scores the data likelihood of each genotype, searches the joint space of
// per-sample genotype assignments under a composite prior, and derives a
// posterior probability that the site is polymorphic.
//
// The package is deliberately decoupled from where observations come from
// (see the source subpackage for a BAM-backed producer) and from how results
// are rendered (see the format subpackage). Every type here is site-local:
// callers pass one SiteInput to Call, and discard the returned result once its
// verdict has been read off.
package variantcall
