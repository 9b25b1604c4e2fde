// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// modelEval is one fitted model's held-out evaluation, ready for the
// comparison table and summary.json.
type modelEval struct {
	Name        string
	Hyperparam  string
	AUC         float64
	Threshold   float64
	Sensitivity float64
	Specificity float64
	Nonzero     int `json:",omitempty"`

	scores []float64 // test-set probabilities
}

// trainReport is everything the train stage produces.
type trainReport struct {
	TrainSize int
	TestSize  int
	Models    []modelEval
	Best      string
}

type trainer struct {
	seed       int64
	trainFrac  float64
	folds      int
	maxK       int
	nlambda    int
	lambdaMin  float64
	lambdaMax  float64
	samplesOut string
}

func (cmd *trainer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err == errHelp {
		return 0
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *trainer) Flags(flags *flag.FlagSet) {
	flags.Int64Var(&cmd.seed, "seed", 1951, "random `seed` for the train/test split and fold assignment")
	flags.Float64Var(&cmd.trainFrac, "train-fraction", 0.7, "`fraction` of samples assigned to the training set")
	flags.IntVar(&cmd.folds, "folds", 4, "cross-validation folds")
	flags.IntVar(&cmd.maxK, "max-components", 20, "largest component count tried for the PCR model")
	flags.IntVar(&cmd.nlambda, "nlambda", 20, "penalty grid size for ridge and lasso")
	flags.Float64Var(&cmd.lambdaMin, "lambda-min", 0.001, "smallest penalty tried")
	flags.Float64Var(&cmd.lambdaMax, "lambda-max", 10, "largest penalty tried")
}

func (cmd *trainer) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := newFlagSet(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "kidney_transplant.csv", "input dataset `file`")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	cmd.Flags(flags)
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	ds, err := loadDataset(*inputFilename)
	if err != nil {
		return err
	}
	cmd.samplesOut = *outputDir + "/samples.csv"
	report, err := cmd.train(ds)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, "Model\tHyperparam\tAUC\tThreshold\tSensitivity\tSpecificity\n")
	for _, m := range report.Models {
		fmt.Fprintf(stdout, "%s\t%s\t%.4f\t%.4f\t%.4f\t%.4f\n", m.Name, m.Hyperparam, m.AUC, m.Threshold, m.Sensitivity, m.Specificity)
	}
	fmt.Fprintf(stdout, "best model by test AUC: %s\n", report.Best)
	return nil
}

// train runs the whole modeling stage: split, cross-validated
// hyperparameter choice for each of the three models, held-out
// evaluation, winner by test AUC.
func (cmd *trainer) train(ds *dataset) (*trainReport, error) {
	n, _ := ds.dims()
	trainIdx, testIdx := makeSplit(n, cmd.trainFrac, cmd.seed)
	log.Infof("split: %d training, %d test samples", len(trainIdx), len(testIdx))
	if cmd.samplesOut != "" {
		err := writeSampleSplit(cmd.samplesOut, ds, trainIdx)
		if err != nil {
			return nil, err
		}
	}

	yTrain := make([]bool, len(trainIdx))
	for i, idx := range trainIdx {
		yTrain[i] = ds.Y[idx]
	}
	yTest := make([]bool, len(testIdx))
	for i, idx := range testIdx {
		yTest[i] = ds.Y[idx]
	}
	folds := cvFolds(len(trainIdx), cmd.folds, rand.NewSource(cmd.seed+1))

	report := &trainReport{TrainSize: len(trainIdx), TestSize: len(testIdx)}
	for _, fit := range []func(*dataset, []int, []int, []bool, [][]int) (*modelEval, error){
		cmd.trainPCR,
		cmd.trainRidge,
		cmd.trainLasso,
	} {
		m, err := fit(ds, trainIdx, testIdx, yTrain, folds)
		if err != nil {
			return nil, err
		}
		points, err := rocCurve(m.scores, yTest)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name, err)
		}
		m.AUC = auc(points)
		m.Threshold, m.Sensitivity, m.Specificity = operatingPoint(points)
		log.Infof("%s (%s): test AUC %.4f, sensitivity %.3f / specificity %.3f at %.3f",
			m.Name, m.Hyperparam, m.AUC, m.Sensitivity, m.Specificity, m.Threshold)
		report.Models = append(report.Models, *m)
	}
	best := 0
	for i, m := range report.Models {
		if m.AUC > report.Models[best].AUC {
			best = i
		}
	}
	report.Best = report.Models[best].Name
	return report, nil
}

// makeSplit assigns every sample to the training set, then moves
// random ones to the test set until the training set is the wanted
// size. Index lists come back sorted, disjoint, covering 0..n-1.
func makeSplit(n int, trainFrac float64, seed int64) (trainIdx, testIdx []int) {
	trainIdx = make([]int, n)
	for i := range trainIdx {
		trainIdx[i] = i
	}
	want := int(trainFrac*float64(n) + 0.5)
	randsrc := rand.NewSource(seed)
	for tslen := n; tslen > want; {
		i := int(randsrc.Int63()) % tslen
		testIdx = append(testIdx, trainIdx[i])
		tslen--
		trainIdx[i] = trainIdx[tslen]
		trainIdx = trainIdx[:tslen]
	}
	sort.Ints(trainIdx)
	sort.Ints(testIdx)
	return trainIdx, testIdx
}

// cvFolds deals shuffled training positions round-robin into folds.
// Every position lands in exactly one fold.
func cvFolds(nTrain, folds int, src rand.Source) [][]int {
	rnd := rand.New(src)
	perm := rnd.Perm(nTrain)
	out := make([][]int, folds)
	for i, pos := range perm {
		out[i%folds] = append(out[i%folds], pos)
	}
	for _, fold := range out {
		sort.Ints(fold)
	}
	return out
}

// foldComplement returns the training positions not in fold.
func foldComplement(nTrain int, fold []int) []int {
	in := make([]bool, nTrain)
	for _, pos := range fold {
		in[pos] = true
	}
	var out []int
	for pos := 0; pos < nTrain; pos++ {
		if !in[pos] {
			out = append(out, pos)
		}
	}
	return out
}

func writeSampleSplit(fnm string, ds *dataset, trainIdx []int) error {
	log.Infof("writing sample metadata to %s", fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprint(f, "Index,SampleID,CaseControl,TrainingValidation\n")
	if err != nil {
		return err
	}
	tsi := 0 // next idx in training set
	for i, id := range ds.sampleID {
		cc := "0"
		if ds.Y[i] {
			cc = "1"
		}
		tv := "0"
		if tsi < len(trainIdx) && trainIdx[tsi] == i {
			tv = "1"
			tsi++
		}
		_, err = fmt.Fprintf(f, "%d,%s,%s,%s\n", i, id, cc, tv)
		if err != nil {
			return fmt.Errorf("write %s: %w", fnm, err)
		}
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	return nil
}

// trainPCR fits logistic regression on the top-k singular-vector
// scores of the training matrix, choosing k by cross-validated AUC,
// then maps the coefficients back to gene space through the loading
// matrix and applies them to the test samples.
func (cmd *trainer) trainPCR(ds *dataset, trainIdx, testIdx []int, yTrain []bool, folds [][]int) (*modelEval, error) {
	_, p := ds.dims()
	xtrain := subsetRows(ds, trainIdx)
	f, err := computeSVD(xtrain)
	if err != nil {
		return nil, err
	}
	maxK := cmd.maxK
	if r := len(f.d); maxK > r {
		maxK = r
	}

	// score columns, normalized over the training rows; remember the
	// scaling so test projections are normalized identically
	scores := make([][]float64, maxK)
	mean := make([]float64, maxK)
	std := make([]float64, maxK)
	for k := 0; k < maxK; k++ {
		col := f.scoreColumn(k)
		mean[k], std[k] = meanStd(col)
		normalize(col)
		scores[k] = col
	}

	bestK, bestAUC := 1, -1.0
	for k := 1; k <= maxK; k++ {
		total, used := 0.0, 0
		for _, fold := range folds {
			fit := foldComplement(len(trainIdx), fold)
			params, err := fitLogistic(subsetColumns(scores[:k], fit), scoreNames(k), subsetBools(yTrain, fit), 0, 0)
			if err != nil {
				continue
			}
			probs := make([]float64, len(fold))
			labels := make([]bool, len(fold))
			row := make([]float64, k)
			for fi, pos := range fold {
				for c := 0; c < k; c++ {
					row[c] = scores[c][pos]
				}
				probs[fi] = predictLogistic(params, row)
				labels[fi] = yTrain[pos]
			}
			points, err := rocCurve(probs, labels)
			if err != nil {
				continue
			}
			total += auc(points)
			used++
		}
		if used == 0 {
			continue
		}
		if cv := total / float64(used); cv > bestAUC {
			bestAUC = cv
			bestK = k
		}
	}
	log.Infof("PCR: chose k=%d components (CV AUC %.4f)", bestK, bestAUC)

	params, err := fitLogistic(scores[:bestK], scoreNames(bestK), yTrain, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("PCR refit: %w", err)
	}

	// back to gene space: beta_gene = V_k diag(1/std) beta, with the
	// intercept absorbing the score means
	icept := params[0]
	geneBeta := make([]float64, p)
	for k := 0; k < bestK; k++ {
		if std[k] == 0 {
			continue
		}
		b := params[k+1] / std[k]
		icept -= b * mean[k]
		for gi := 0; gi < p; gi++ {
			geneBeta[gi] += f.V.At(gi, k) * b
		}
	}

	eval := &modelEval{Name: "pcr", Hyperparam: fmt.Sprintf("k=%d", bestK)}
	eval.scores = make([]float64, len(testIdx))
	for i, idx := range testIdx {
		eta := icept
		for gi := 0; gi < p; gi++ {
			eta += geneBeta[gi] * ds.X.At(idx, gi)
		}
		eval.scores[i] = 1 / (1 + math.Exp(-eta))
	}
	return eval, nil
}

func (cmd *trainer) trainRidge(ds *dataset, trainIdx, testIdx []int, yTrain []bool, folds [][]int) (*modelEval, error) {
	return cmd.trainPenalized(ds, trainIdx, testIdx, yTrain, folds, "ridge")
}

func (cmd *trainer) trainLasso(ds *dataset, trainIdx, testIdx []int, yTrain []bool, folds [][]int) (*modelEval, error) {
	return cmd.trainPenalized(ds, trainIdx, testIdx, yTrain, folds, "lasso")
}

// trainPenalized fits L1- or L2-penalized logistic regression on all
// genes, choosing the penalty from a log-spaced grid by
// cross-validated classification error at 0.5 (lambda.min).
func (cmd *trainer) trainPenalized(ds *dataset, trainIdx, testIdx []int, yTrain []bool, folds [][]int, kind string) (*modelEval, error) {
	_, p := ds.dims()
	predictors := make([][]float64, p)
	for gi := 0; gi < p; gi++ {
		col := make([]float64, len(trainIdx))
		for i, idx := range trainIdx {
			col[i] = ds.X.At(idx, gi)
		}
		predictors[gi] = col
	}

	grid := lambdaGrid(cmd.lambdaMin, cmd.lambdaMax, cmd.nlambda)
	bestLambda, bestErr := grid[0], math.Inf(1)
	for _, lambda := range grid {
		l1, l2 := 0.0, lambda
		if kind == "lasso" {
			l1, l2 = lambda, 0
		}
		wrong, total := 0, 0
		for _, fold := range folds {
			fit := foldComplement(len(trainIdx), fold)
			params, err := fitLogistic(subsetColumns(predictors, fit), ds.geneID, subsetBools(yTrain, fit), l1, l2)
			if err != nil {
				wrong += len(fold) // treat a failed fold as all wrong
				total += len(fold)
				continue
			}
			row := make([]float64, p)
			for _, pos := range fold {
				for gi := 0; gi < p; gi++ {
					row[gi] = predictors[gi][pos]
				}
				if (predictLogistic(params, row) >= 0.5) != yTrain[pos] {
					wrong++
				}
				total++
			}
		}
		if cvErr := float64(wrong) / float64(total); cvErr < bestErr {
			bestErr = cvErr
			bestLambda = lambda
		}
	}
	log.Infof("%s: chose lambda=%.4g (CV error %.4f)", kind, bestLambda, bestErr)

	l1, l2 := 0.0, bestLambda
	if kind == "lasso" {
		l1, l2 = bestLambda, 0
	}
	params, err := fitLogistic(predictors, ds.geneID, yTrain, l1, l2)
	if err != nil {
		return nil, fmt.Errorf("%s refit: %w", kind, err)
	}

	eval := &modelEval{Name: kind, Hyperparam: fmt.Sprintf("lambda=%.4g", bestLambda)}
	if kind == "lasso" {
		for _, b := range params[1:] {
			if math.Abs(b) > 1e-8 {
				eval.Nonzero++
			}
		}
		log.Infof("lasso: %d genes with nonzero coefficients", eval.Nonzero)
	}
	eval.scores = make([]float64, len(testIdx))
	row := make([]float64, p)
	for i, idx := range testIdx {
		for gi := 0; gi < p; gi++ {
			row[gi] = ds.X.At(idx, gi)
		}
		eval.scores[i] = predictLogistic(params, row)
	}
	return eval, nil
}

func lambdaGrid(min, max float64, count int) []float64 {
	if count < 2 {
		return []float64{min}
	}
	grid := make([]float64, count)
	ratio := math.Pow(min/max, 1/float64(count-1))
	v := max
	for i := range grid {
		grid[i] = v
		v *= ratio
	}
	return grid
}

func scoreNames(k int) []string {
	names := make([]string, k)
	for i := range names {
		names[i] = fmt.Sprintf("pc%d", i+1)
	}
	return names
}

func subsetColumns(columns [][]float64, rows []int) [][]float64 {
	out := make([][]float64, len(columns))
	for c, col := range columns {
		sub := make([]float64, len(rows))
		for i, pos := range rows {
			sub[i] = col[pos]
		}
		out[c] = sub
	}
	return out
}

func subsetBools(y []bool, rows []int) []bool {
	out := make([]bool, len(rows))
	for i, pos := range rows {
		out[i] = y[pos]
	}
	return out
}

func subsetRows(ds *dataset, rows []int) *mat.Dense {
	_, p := ds.dims()
	out := mat.NewDense(len(rows), p, nil)
	for i, idx := range rows {
		for j := 0; j < p; j++ {
			out.Set(i, j, ds.X.At(idx, j))
		}
	}
	return out
}

func meanStd(a []float64) (mean, std float64) {
	return stat.MeanStdDev(a, nil)
}
