/*
 *	Copyright 2025 The catbreeds authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package catbreeds

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// MomentumSGDScope is the context scope under which the optimizer keeps its
// velocity variables.
const MomentumSGDScope = "momentum_sgd"

// momentumSGD is classic stochastic gradient descent with momentum and a
// fixed learning rate:
//
//	velocity <- momentum*velocity + gradient
//	weight   <- weight - learning_rate*velocity
type momentumSGD struct {
	momentum float64
}

// MomentumSGD returns an SGD-with-momentum optimizer. The learning rate is
// read from the "learning_rate" context param (DefaultLearningRate if unset)
// and stays fixed: no decay, no schedule.
//
// One velocity variable is kept per trainable variable, under
// MomentumSGDScope. Clear deletes them.
func MomentumSGD(momentum float64) optimizers.Interface {
	return &momentumSGD{momentum: momentum}
}

// UpdateGraph implements optimizers.Interface.
func (o *momentumSGD) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("MomentumSGD found no trainable variables to optimize")
	}
	dtype := loss.DType()

	initialLR := context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate)
	lrVar := optimizers.LearningRateVar(ctx, dtype, initialLR)
	learningRate := lrVar.ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	numTrainable := len(grads)
	ii := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		grad := grads[ii]
		ii++

		velVar := o.velocityVariable(ctx, v)
		velocity := velVar.ValueGraph(g)
		velocity = Add(MulScalar(velocity, o.momentum), grad)
		velVar.SetValueGraph(velocity)

		lrCast := learningRate
		if lrCast.DType() != grad.DType() {
			lrCast = ConvertDType(learningRate, grad.DType())
		}
		step := Mul(velocity, lrCast)
		step = optimizers.ClipStepByValue(ctx, step)
		v.SetValueGraph(Sub(v.ValueGraph(g), step))
	}
	if ii != numTrainable {
		exceptions.Panicf("MomentumSGD saw %d trainable variables, but "+
			"BuildTrainableVariablesGradientsGraph returned %d gradients -- were variables created in between?",
			ii, numTrainable)
	}
}

// velocityVariable returns (creating it the first time) the zero-initialized
// velocity variable paired with the given trainable variable.
func (o *momentumSGD) velocityVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, MomentumSGDScope, trainable.Scope())
	return ctx.Checked(false).InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_velocity", trainable.Shape()).
		SetTrainable(false)
}

// Clear deletes the velocity variables.
// It implements optimizers.Interface.
func (o *momentumSGD) Clear(ctx *context.Context) error {
	return ctx.In(MomentumSGDScope).DeleteVariablesInScope()
}
