// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"fmt"
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/stat"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

var poissonConfig = &glm.Config{
	Family:         glm.NewFamily(glm.PoissonFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

func normalize(a []float64) {
	mean, std := stat.MeanStdDev(a, nil)
	if std == 0 || math.IsNaN(std) {
		for i := range a {
			a[i] = 0
		}
		return
	}
	for i, x := range a {
		a[i] = (x - mean) / std
	}
}

// Logistic regression.
//
// fitLogistic fits outcome ~ icept + predictors by IRLS and returns
// the coefficients aligned with [icept, predictors...]. A nonzero l1
// or l2 applies the same penalty weight to every predictor (never the
// intercept). Singular or near-singular fits surface as an error
// rather than a panic.
func fitLogistic(predictors [][]float64, names []string, y []bool, l1, l2 float64) (params []float64, err error) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			params, err = nil, fmt.Errorf("logistic regression did not converge")
		}
	}()

	outcome := make([]statmodel.Dtype, len(y))
	icept := make([]statmodel.Dtype, len(y))
	for i, yi := range y {
		if yi {
			outcome[i] = 1
		}
		icept[i] = 1
	}
	data := [][]statmodel.Dtype{outcome, icept}
	varnames := []string{"outcome", "icept"}
	for vi, series := range predictors {
		if len(series) != len(y) {
			return nil, fmt.Errorf("predictor %d has %d values for %d outcomes", vi, len(series), len(y))
		}
		data = append(data, series)
		varnames = append(varnames, names[vi])
	}
	dataset := statmodel.NewDataset(data, varnames)

	config := glmConfig
	if l1 > 0 || l2 > 0 {
		penalized := *glmConfig
		if l1 > 0 {
			penalized.L1Penalty = map[string]float64{}
			for _, name := range varnames[2:] {
				penalized.L1Penalty[name] = l1
			}
		}
		if l2 > 0 {
			penalized.L2Penalty = map[string]float64{}
			for _, name := range varnames[2:] {
				penalized.L2Penalty[name] = l2
			}
		}
		config = &penalized
	}

	model, err := glm.NewGLM(dataset, "outcome", varnames[1:], config)
	if err != nil {
		return nil, err
	}
	return model.Fit().Params(), nil
}

// predictLogistic returns P(outcome=1) for one row of predictor
// values, given coefficients aligned as returned by fitLogistic.
func predictLogistic(params []float64, row []float64) float64 {
	eta := params[0]
	for i, x := range row {
		eta += params[i+1] * x
	}
	return 1 / (1 + math.Exp(-eta))
}

// fitPoissonLogLinear fits count ~ icept + basis columns with a
// Poisson family and returns fitted means, one per observation. Used
// to smooth the z-score histogram in the local fdr estimate.
func fitPoissonLogLinear(basis [][]float64, counts []float64) (fitted []float64, err error) {
	defer func() {
		if recover() != nil {
			fitted, err = nil, fmt.Errorf("poisson regression did not converge")
		}
	}()

	icept := make([]statmodel.Dtype, len(counts))
	for i := range icept {
		icept[i] = 1
	}
	data := [][]statmodel.Dtype{counts, icept}
	names := []string{"count", "icept"}
	for vi, series := range basis {
		data = append(data, series)
		names = append(names, fmt.Sprintf("b%d", vi))
	}
	dataset := statmodel.NewDataset(data, names)

	model, err := glm.NewGLM(dataset, "count", names[1:], poissonConfig)
	if err != nil {
		return nil, err
	}
	params := model.Fit().Params()

	fitted = make([]float64, len(counts))
	for i := range counts {
		eta := params[0]
		for vi := range basis {
			eta += params[vi+1] * basis[vi][i]
		}
		fitted[i] = math.Exp(eta)
	}
	return fitted, nil
}
