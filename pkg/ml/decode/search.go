// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"math"
	"slices"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

// search holds the state of one call to Decoder.Decode.
type search struct {
	*Decoder
	batchSize    int
	stepper      Stepper
	forcedPrefix [][]int32
}

// forced returns the token forced for example b at step, if any.
func (s *search) forced(b, step int) (int32, bool) {
	if s.forcedPrefix == nil || step >= len(s.forcedPrefix[b]) {
		return 0, false
	}
	return s.forcedPrefix[b][step], true
}

// step calls the stepper and converts its logits to log-probabilities.
func (s *search) step(step int, tokens, parents []int32) ([][]float64, error) {
	logits, err := s.stepper.Step(tokens, parents)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding step %d", step)
	}
	if len(logits) != len(tokens) {
		return nil, errors.Errorf("decoding step %d: stepper returned logits for %d rows, expected %d", step, len(logits), len(tokens))
	}
	logProbs := make([][]float64, len(logits))
	for row, rowLogits := range logits {
		if len(rowLogits) == 0 {
			return nil, errors.Errorf("decoding step %d: stepper returned empty logits for row %d", step, row)
		}
		if step == 0 && row == 0 {
			if err := s.checkForcedPrefix(len(rowLogits)); err != nil {
				return nil, err
			}
		}
		logProbs[row] = logSoftmax(rowLogits)
	}
	s.stepDone(step, len(tokens))
	return logProbs, nil
}

func (s *search) stepDone(step, numRows int) {
	if s.OnStep != nil {
		s.OnStep(step+1, s.MaxLength)
	}
	klog.V(2).Infof("decode: step %d/%d for %d rows", step+1, s.MaxLength, numRows)
}

func identityParents(numRows int) []int32 {
	parents := make([]int32, numRows)
	for i := range parents {
		parents[i] = int32(i)
	}
	return parents
}

// sample implements the greedy, top-k and top-p strategies, one row per example, picking the tokens on device.
func (s *search) sample(sampler Sampler) ([][]Hypothesis, error) {
	if err := s.checkForcedPrefix(sampler.VocabSize()); err != nil {
		return nil, err
	}
	numRows := s.batchSize
	tokens := make([]int32, numRows)
	for i := range tokens {
		tokens[i] = s.BosID
	}
	forced := make([]int32, numRows)
	hyps := make([]Hypothesis, numRows)

	for step := range s.MaxLength {
		for row := range forced {
			forced[row] = NotForced
			if hyps[row].Finished {
				forced[row] = s.EosID
			} else if token, ok := s.forced(row, step); ok {
				forced[row] = token
			}
		}
		next, logProbs, err := sampler.Sample(tokens, forced)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding step %d", step)
		}
		if len(next) != numRows || len(logProbs) != numRows {
			return nil, errors.Errorf("decoding step %d: sampler returned %d tokens and %d log-probabilities, expected %d",
				step, len(next), len(logProbs), numRows)
		}
		s.stepDone(step, numRows)

		allFinished := true
		for row := range numRows {
			h := &hyps[row]
			tokens[row] = next[row]
			if h.Finished {
				continue
			}
			h.Tokens = append(h.Tokens, next[row])
			h.Score += float64(logProbs[row])
			h.Finished = next[row] == s.EosID
			allFinished = allFinished && h.Finished
		}
		if allFinished {
			break
		}
	}

	results := make([][]Hypothesis, numRows)
	for row := range hyps {
		results[row] = []Hypothesis{hyps[row]}
	}
	return results, nil
}

// checkForcedPrefix returns an error if a forced token is outside of the vocabulary.
func (s *search) checkForcedPrefix(vocabSize int) error {
	for b, prefix := range s.forcedPrefix {
		for _, token := range prefix {
			if token < 0 || int(token) >= vocabSize {
				return errors.Errorf("forced prefix for example %d has token %d out of the vocabulary [0, %d)", b, token, vocabSize)
			}
		}
	}
	return nil
}

// beam is one row of a beam search.
type beam struct {
	tokens   []int32
	score    float64
	finished bool
}

func (b *beam) alive() bool {
	return !b.finished && !math.IsInf(b.score, -1)
}

// candidate extends a beam with a token.
type candidate struct {
	parent   int // Row of the parent beam.
	token    int32
	score    float64
	finished bool
}

// extend returns the beam of the candidate, not modifying the parent.
func (c candidate) extend(parent *beam, appendToken bool) beam {
	b := beam{tokens: parent.tokens, score: c.score, finished: c.finished}
	if appendToken {
		b.tokens = append(slices.Clip(parent.tokens), c.token)
	}
	return b
}

// sortCandidates by score, best first, keeping the order of ties.
func sortCandidates(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
}

// initialBeams returns the beams of the first step: only the first beam of each example is alive, so the
// first step doesn't produce duplicate hypotheses.
func (s *search) initialBeams() []beam {
	beams := make([]beam, s.NumRows(s.batchSize))
	for row := range beams {
		if row%s.BeamSize != 0 {
			beams[row].score = math.Inf(-1)
		}
	}
	return beams
}

// expandBeam appends to candidates the best extensions of the beam in row, according to logProbs.
// The diversity penalty DiversityRate*rank is subtracted from the rank-th best extension.
func (s *search) expandBeam(candidates []candidate, b, step, row int, current *beam, logProbs []float64, count int) []candidate {
	if token, ok := s.forced(b, step); ok {
		return append(candidates, candidate{
			parent: row, token: token, score: current.score + logProbs[token], finished: token == s.EosID})
	}
	for rank, token := range topIndices(logProbs, count) {
		candidates = append(candidates, candidate{
			parent:   row,
			token:    token,
			score:    current.score + logProbs[token] - s.DiversityRate*float64(rank),
			finished: token == s.EosID,
		})
	}
	return candidates
}

// beamSearch implements StrategyBeamSearch: finished beams compete with the alive ones with their frozen score.
func (s *search) beamSearch() ([][]Hypothesis, error) {
	beamSize := s.BeamSize
	numRows := s.NumRows(s.batchSize)
	beams := s.initialBeams()
	tokens := make([]int32, numRows)
	for i := range tokens {
		tokens[i] = s.BosID
	}
	parents := identityParents(numRows)

	for step := range s.MaxLength {
		logProbs, err := s.step(step, tokens, parents)
		if err != nil {
			return nil, err
		}
		newBeams := make([]beam, numRows)
		anyAlive := false
		for b := range s.batchSize {
			var candidates []candidate
			for k := range beamSize {
				row := b*beamSize + k
				current := &beams[row]
				switch {
				case current.finished:
					candidates = append(candidates, candidate{parent: row, token: s.EosID, score: current.score, finished: true})
				case current.alive():
					candidates = s.expandBeam(candidates, b, step, row, current, logProbs[row], beamSize)
				}
			}
			sortCandidates(candidates)
			for k := range beamSize {
				row := b*beamSize + k
				if k >= len(candidates) {
					newBeams[row] = beam{score: math.Inf(-1)}
					tokens[row], parents[row] = s.EosID, int32(b*beamSize)
					continue
				}
				c := candidates[k]
				parent := &beams[c.parent]
				newBeams[row] = c.extend(parent, !parent.finished)
				tokens[row], parents[row] = c.token, int32(c.parent)
				anyAlive = anyAlive || newBeams[row].alive()
			}
		}
		beams = newBeams
		if !anyAlive {
			break
		}
	}

	results := make([][]Hypothesis, s.batchSize)
	for b := range s.batchSize {
		for _, bm := range beams[b*beamSize : (b+1)*beamSize] {
			if math.IsInf(bm.score, -1) {
				continue
			}
			results[b] = append(results[b], Hypothesis{Tokens: bm.tokens, Score: bm.score, Finished: bm.finished})
		}
		sortHypotheses(results[b])
	}
	return results, nil
}

// beamSearchV2 implements StrategyBeamSearchV2: BeamSize alive beams, and a separate pool of up to BeamSize
// finished hypotheses ranked by their length-normalized score.
func (s *search) beamSearchV2() ([][]Hypothesis, error) {
	beamSize := s.BeamSize
	numRows := s.NumRows(s.batchSize)
	beams := s.initialBeams()
	tokens := make([]int32, numRows)
	for i := range tokens {
		tokens[i] = s.BosID
	}
	parents := identityParents(numRows)
	finished := make([][]Hypothesis, s.batchSize)
	done := make([]bool, s.batchSize)
	maxPenalty := LengthPenalty(s.MaxLength, s.Alpha)

	for step := range s.MaxLength {
		logProbs, err := s.step(step, tokens, parents)
		if err != nil {
			return nil, err
		}
		newBeams := make([]beam, numRows)
		allDone := true
		for b := range s.batchSize {
			if done[b] {
				for k := range beamSize {
					row := b*beamSize + k
					newBeams[row] = beam{score: math.Inf(-1)}
					tokens[row], parents[row] = s.EosID, int32(row)
				}
				continue
			}

			// 2*beamSize extensions per beam guarantee beamSize alive candidates, even if all EOS are taken.
			var candidates []candidate
			for k := range beamSize {
				row := b*beamSize + k
				if beams[row].alive() {
					candidates = s.expandBeam(candidates, b, step, row, &beams[row], logProbs[row], 2*beamSize)
				}
			}
			sortCandidates(candidates)

			numAlive := 0
			for _, c := range candidates {
				if numAlive == beamSize {
					break
				}
				if c.finished {
					hyp := Hypothesis{
						Tokens:   append(slices.Clip(beams[c.parent].tokens), c.token),
						Finished: true,
					}
					hyp.Score = c.score / LengthPenalty(len(hyp.Tokens), s.Alpha)
					finished[b] = addFinished(finished[b], hyp, beamSize)
					continue
				}
				row := b*beamSize + numAlive
				newBeams[row] = c.extend(&beams[c.parent], true)
				tokens[row], parents[row] = c.token, int32(c.parent)
				numAlive++
			}
			for k := numAlive; k < beamSize; k++ {
				row := b*beamSize + k
				newBeams[row] = beam{score: math.Inf(-1)}
				tokens[row], parents[row] = s.EosID, int32(b*beamSize)
			}

			// Scores are log-probabilities, so the best an alive beam can reach is its current score normalized
			// by the largest length penalty.
			if numAlive == 0 {
				done[b] = true
			} else if len(finished[b]) == beamSize {
				bestAlive := newBeams[b*beamSize].score
				worstFinished := finished[b][beamSize-1].Score
				done[b] = bestAlive/maxPenalty <= worstFinished
			}
			allDone = allDone && done[b]
		}
		beams = newBeams
		if allDone {
			break
		}
	}

	results := make([][]Hypothesis, s.batchSize)
	for b := range s.batchSize {
		results[b] = finished[b]
		if len(results[b]) < beamSize {
			for _, bm := range beams[b*beamSize : (b+1)*beamSize] {
				if !bm.alive() {
					continue
				}
				results[b] = append(results[b], Hypothesis{
					Tokens: bm.tokens,
					Score:  bm.score / LengthPenalty(len(bm.tokens), s.Alpha),
				})
			}
		}
		sortHypotheses(results[b])
		if len(results[b]) > beamSize {
			results[b] = results[b][:beamSize]
		}
	}
	return results, nil
}

// addFinished inserts hyp in the pool sorted by score, keeping at most maxSize hypotheses.
func addFinished(pool []Hypothesis, hyp Hypothesis, maxSize int) []Hypothesis {
	pos := sort.Search(len(pool), func(i int) bool { return pool[i].Score < hyp.Score })
	if pos >= maxSize {
		return pool
	}
	pool = slices.Insert(pool, pos, hyp)
	if len(pool) > maxSize {
		pool = pool[:maxSize]
	}
	return pool
}

func sortHypotheses(hyps []Hypothesis) {
	sort.SliceStable(hyps, func(i, j int) bool { return hyps[i].Score > hyps[j].Score })
}

// logSoftmax returns the log-probabilities of the logits, in float64.
func logSoftmax[T constraints.Float](logits []T) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = max(maxLogit, float64(l))
	}
	var sum float64
	for _, l := range logits {
		sum += math.Exp(float64(l) - maxLogit)
	}
	logSum := maxLogit + math.Log(sum)
	result := make([]float64, len(logits))
	for i, l := range logits {
		result[i] = float64(l) - logSum
	}
	return result
}

// topIndices returns the indices of the k largest values, sorted from largest to smallest, lowest index first for ties.
func topIndices[T constraints.Ordered](values []T, k int) []int32 {
	k = min(k, len(values))
	indices := make([]int32, len(values))
	for i := range indices {
		indices[i] = int32(i)
	}
	sort.SliceStable(indices, func(i, j int) bool { return values[indices[i]] > values[indices[j]] })
	return indices[:k]
}
